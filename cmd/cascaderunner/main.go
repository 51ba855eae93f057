// Command cascaderunner is the single static binary: an HTTP API server
// driving cascade execution, with an `mcpserve` subcommand that exposes the
// same execution surface as MCP tools over stdio instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cascadeforge/cascade/internal/agent"
	"github.com/cascadeforge/cascade/internal/cascade"
	"github.com/cascadeforge/cascade/internal/cellexec"
	"github.com/cascadeforge/cascade/internal/cellmachine"
	"github.com/cascadeforge/cascade/internal/checkpoint"
	"github.com/cascadeforge/cascade/internal/config"
	"github.com/cascadeforge/cascade/internal/hub"
	"github.com/cascadeforge/cascade/internal/logging"
	"github.com/cascadeforge/cascade/internal/logstore"
	"github.com/cascadeforge/cascade/internal/mcpserver"
	"github.com/cascadeforge/cascade/internal/mirror"
	"github.com/cascadeforge/cascade/internal/runner"
	"github.com/cascadeforge/cascade/internal/sessiondb"
	"github.com/cascadeforge/cascade/internal/sessionstore"
	"github.com/cascadeforge/cascade/internal/sqlbridge"
	"github.com/cascadeforge/cascade/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cascaderunner",
		Short: "Runs LLM cascades as durable, resumable sessions",
		RunE:  runServe,
	}

	f := rootCmd.PersistentFlags()
	f.String("listen-addr", ":8088", "HTTP listen address")
	f.String("state-dir", "./data/state", "directory for the sessions/checkpoints/log databases")
	f.String("session-db-dir", "./data/sessions", "directory for per-session SQLite databases")
	f.String("cascade-dir", "./cascades", "directory of cascade spec files, hot-reloaded")
	f.String("anthropic-base-url", "", "override base URL for the Anthropic API")
	f.String("anthropic-api-key", "", "Anthropic API key")
	f.String("default-model", "claude-sonnet-4", "model name shown in the startup banner (not passed to LLM calls)")
	f.Int("max-concurrent", 4, "max concurrent cascade runs (not enforced)")
	f.Duration("heartbeat-every", 15*time.Second, "session heartbeat interval")
	f.Duration("zombie-after", 2*time.Minute, "grace period past a missed heartbeat before a session is reaped")
	f.String("log-level", "info", "log level (not applied; the logger always logs at info and above)")
	f.String("log-format", "console", "log format (console or json)")
	f.Int("budget-max-total", 180000, "per-cell token budget ceiling (not applied; LLM turns run without a token budget)")
	f.Float64("max-cost-usd", 0, "blocking-cost guard ceiling in USD; 0 disables it")
	f.String("mcp-config", "", "path to MCP config file (not read)")
	f.String("apprise-urls", "", "Apprise notification URLs (not used; no notifications are sent)")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("listen_addr", "listen-addr")
	bindFlag("state_dir", "state-dir")
	bindFlag("session_db_dir", "session-db-dir")
	bindFlag("cascade_dir", "cascade-dir")
	bindFlag("anthropic_base_url", "anthropic-base-url")
	bindFlag("anthropic_api_key", "anthropic-api-key")
	bindFlag("default_model", "default-model")
	bindFlag("max_concurrent", "max-concurrent")
	bindFlag("heartbeat_every", "heartbeat-every")
	bindFlag("zombie_after", "zombie-after")
	bindFlag("log_level", "log-level")
	bindFlag("log_format", "log-format")
	bindFlag("budget_max_total", "budget-max-total")
	bindFlag("max_cost_usd", "max-cost-usd")
	bindFlag("mcp_config", "mcp-config")
	bindFlag("apprise_urls", "apprise-urls")

	// CASCADERUNNER_* environment variables override flags/defaults.
	viper.SetEnvPrefix("CASCADERUNNER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	mcpCmd := &cobra.Command{
		Use:   "mcpserve",
		Short: "Serve cascade execution as MCP tools over stdio",
		RunE:  runMCPServe,
	}
	rootCmd.AddCommand(mcpCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// collaborators holds every long-lived dependency shared by both the HTTP
// server and the MCP stdio server; buildCollaborators is the one place
// that wires them so the two entrypoints can't drift.
type collaborators struct {
	cfg      config.Config
	sessions *sessionstore.Store
	ckpts    *checkpoint.Manager
	logs     *logstore.Store
	h        *hub.Hub
	registry *cascade.Registry
	run      *runner.Runner
	mir      *mirror.Mirror
}

func buildCollaborators(cfg config.Config) (*collaborators, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	sessions, err := sessionstore.Open(filepath.Join(cfg.StateDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	logs, err := logstore.Open(filepath.Join(cfg.StateDir, "log.db"))
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}

	ckpts, err := checkpoint.New(filepath.Join(cfg.StateDir, "checkpoints.db"))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	h := hub.New()
	mir := mirror.New(30 * time.Second)
	writer := logstore.FanOut(logs, mir)

	if err := os.MkdirAll(cfg.SessionDBDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}
	dbs := sessiondb.NewManager(afero.NewOsFs(), cfg.SessionDBDir)

	if err := os.MkdirAll(cfg.CascadeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cascade dir: %w", err)
	}
	registry, err := cascade.NewRegistry(cfg.CascadeDir)
	if err != nil {
		return nil, fmt.Errorf("load cascade registry: %w", err)
	}
	if err := registry.Watch(cfg.CascadeDir); err != nil {
		logging.Default.Warn("cascade registry watch failed, hot-reload disabled", "error", err)
	}

	stages := sqlbridge.NewRegistry()
	executors := cellexec.NewRegistry(cellexec.CommandRunner{}, nil, stages)
	skills := cellmachine.NewSkillRegistry()
	machine := cellmachine.New(skills, ckpts, executors, nil)
	client := agent.New(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey)

	run := runner.New(sessions, writer, h, dbs, machine, client)
	run.Heartbeat = cfg.HeartbeatEvery
	run.MaxCostUSD = cfg.MaxCostUSD
	run.Snapshots = logs
	run.CostLookup = func(sessionID string) (float64, error) {
		rows, err := logs.Query(sessionID)
		if err != nil {
			return 0, err
		}
		var total float64
		for _, r := range rows {
			if r.CostUSD != nil {
				total += *r.CostUSD
			}
		}
		return total, nil
	}

	// The SQL bridge needs the runner it will itself be called from to
	// dispatch rvbbit/rvbbit_cascade calls (spec §4.11); wire it back
	// into the SQL executor after construction to break that cycle.
	bridge := sqlbridge.NewBridge(runner.NewBridgeAdapter(run, registry))
	if sqlExec, err := executors.Resolve("sql"); err == nil {
		if se, ok := sqlExec.(*cellexec.SQLExecutor); ok {
			se.Bridge = bridge
		}
	}

	return &collaborators{
		cfg:      cfg,
		sessions: sessions,
		ckpts:    ckpts,
		logs:     logs,
		h:        h,
		registry: registry,
		run:      run,
		mir:      mir,
	}, nil
}

func (c *collaborators) Close() {
	_ = c.registry.Close()
	_ = c.ckpts.Close()
	_ = c.logs.Close()
	_ = c.sessions.Close()
}

// zombieReaper periodically reaps sessions whose heartbeat lease has
// expired plus a grace period, transitioning them to orphaned so they stop
// appearing active after a crashed or killed worker.
func zombieReaper(ctx context.Context, sessions *sessionstore.Store, grace time.Duration) {
	ticker := time.NewTicker(grace)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.CleanupZombies(int(grace.Seconds()))
			if err != nil {
				logging.Default.Error("zombie reaper failed", "error", err)
				continue
			}
			if n > 0 {
				logging.Default.Info("zombie reaper reaped stale sessions", "count", n)
			}
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logging.Default = logging.New(cfg.LogFormat, os.Stderr)

	fmt.Printf("cascaderunner %s starting\n", config.Version)
	fmt.Printf("  listen: %s\n", cfg.ListenAddr)
	fmt.Printf("  state: %s\n", cfg.StateDir)
	fmt.Printf("  cascades: %s\n", cfg.CascadeDir)
	fmt.Printf("  default model: %s\n", cfg.DefaultModel)
	fmt.Println()

	collab, err := buildCollaborators(cfg)
	if err != nil {
		return err
	}
	defer collab.Close()

	webServer := web.New(cfg.ListenAddr, collab.sessions, collab.ckpts, collab.h, collab.registry, collab.run, int(cfg.HeartbeatEvery.Seconds())*4)
	go func() {
		if err := webServer.Start(); err != nil {
			logging.Default.Error("web server error", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go zombieReaper(ctx, collab.sessions, cfg.ZombieAfter)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logging.Default.Info("received signal, shutting down", "signal", sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logging.Default.Error("web server shutdown error", "error", err)
	}
	return nil
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logging.Default = logging.New(cfg.LogFormat, os.Stderr)

	collab, err := buildCollaborators(cfg)
	if err != nil {
		return err
	}
	defer collab.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	srv := mcpserver.NewServer(collab.registry, collab.sessions, collab.ckpts, collab.run, int(cfg.HeartbeatEvery.Seconds())*4)
	return srv.Run(ctx)
}
