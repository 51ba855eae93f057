// Package config centralizes runtime configuration, merged by viper from
// flags, environment variables, and defaults set up by the cobra command
// in cmd/cascaderunner.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Version is the build version string, set via -ldflags at release build
// time; left at its default for local/dev builds.
var Version = "dev"

// Config holds all runtime configuration for the cascade runner.
type Config struct {
	ListenAddr       string
	StateDir         string
	SessionDBDir     string
	CascadeDir       string
	AnthropicBaseURL string
	AnthropicAPIKey  string
	DefaultModel     string
	MaxConcurrent    int
	HeartbeatEvery   time.Duration
	ZombieAfter      time.Duration
	LogLevel         string
	LogFormat        string
	BudgetMaxTotal   int
	MaxCostUSD       float64
	MCPConfig        string
	AppriseURLs      string
}

// Load reads configuration from viper.
func Load() Config {
	return Config{
		ListenAddr:       viper.GetString("listen_addr"),
		StateDir:         viper.GetString("state_dir"),
		SessionDBDir:     viper.GetString("session_db_dir"),
		CascadeDir:       viper.GetString("cascade_dir"),
		AnthropicBaseURL: viper.GetString("anthropic_base_url"),
		AnthropicAPIKey:  viper.GetString("anthropic_api_key"),
		DefaultModel:     viper.GetString("default_model"),
		MaxConcurrent:    viper.GetInt("max_concurrent"),
		HeartbeatEvery:   viper.GetDuration("heartbeat_every"),
		ZombieAfter:      viper.GetDuration("zombie_after"),
		LogLevel:         viper.GetString("log_level"),
		LogFormat:        viper.GetString("log_format"),
		BudgetMaxTotal:   viper.GetInt("budget_max_total"),
		MaxCostUSD:       viper.GetFloat64("max_cost_usd"),
		MCPConfig:        viper.GetString("mcp_config"),
		AppriseURLs:      viper.GetString("apprise_urls"),
	}
}

// SetDefaults registers on v the defaults of the cascaderunner flags, except
// anthropic_api_key, mcp_config and apprise_urls. cmd/cascaderunner does not
// call it; the defaults declared on its cobra flags apply instead.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8088")
	v.SetDefault("state_dir", "./data/state")
	v.SetDefault("session_db_dir", "./data/sessions")
	v.SetDefault("cascade_dir", "./cascades")
	v.SetDefault("anthropic_base_url", "")
	v.SetDefault("default_model", "claude-sonnet-4")
	v.SetDefault("max_concurrent", 4)
	v.SetDefault("heartbeat_every", 15*time.Second)
	v.SetDefault("zombie_after", 2*time.Minute)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("budget_max_total", 180000)
	v.SetDefault("max_cost_usd", 0.0)
}
