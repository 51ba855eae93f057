// Package agent wraps a provider chat completion behind a sanitized
// request contract and a deterministic-offline embeddings path.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sethvargo/go-retry"
)

// Message is the sanitized wire shape the agent sends and returns.
// Only these fields survive sanitization; everything else a cell's
// turn-loop history accumulates is stripped before the provider call.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec describes a tool the model may call during a turn.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Result is the agent's response to a single turn.
type Result struct {
	Role            string
	Content         string
	ToolCalls       []ToolCall
	ProviderRequestID string
	Model           string
	Provider        string
	TokensIn        int64
	TokensOut       int64
	FullRequest     any
	FullResponse    any
}

// Options configures one Run call. An empty Model falls back to
// claude-3-5-haiku-latest and a zero MaxTokens to defaultMaxTokens.
// PromptBasedTools, when true, tells sanitize to strip tool_calls/
// tool_call_id and drop messages with role "tool" — used when a cell's
// cascade declares prompt-based (rather than native) tool dispatch.
type Options struct {
	Model            string
	MaxTokens        int64
	PromptBasedTools bool
}

const defaultMaxTokens = 4096

// Agent issues chat completions against the configured provider.
type Agent struct {
	client   anthropic.Client
	provider string
}

// New constructs an Agent. baseURL/apiKey come from internal/config;
// an empty baseURL uses the SDK's default.
func New(baseURL, apiKey string) *Agent {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Agent{
		client:   anthropic.NewClient(opts...),
		provider: "anthropic",
	}
}

// Run sanitizes messages, issues one chat completion (retrying once on a
// rate-limit error), and returns the sanitized result. On any other
// failure the original request envelope is attached to the returned
// error so it can be logged.
func (a *Agent) Run(ctx context.Context, messages []Message, tools []ToolSpec, opts Options) (*Result, error) {
	sanitized := sanitize(messages, opts.PromptBasedTools)
	if len(sanitized) == 0 {
		return nil, fmt.Errorf("agent: no messages remain after sanitization")
	}

	model := opts.Model
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := buildParams(sanitized, tools, model, maxTokens)

	var msg *anthropic.Message
	attempted := false
	backoff := retry.WithMaxRetries(1, retry.NewConstant(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := a.client.Messages.New(ctx, params)
		if err != nil {
			if attempted || !isRateLimit(err) {
				return fmt.Errorf("agent: messages.new (request=%+v): %w", params, err)
			}
			attempted = true
			return retry.RetryableError(err)
		}
		msg = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	return toResult(msg, model, a.provider), nil
}

func sanitize(messages []Message, promptBasedTools bool) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if promptBasedTools {
			if m.Role == "tool" {
				continue
			}
			m.ToolCalls = nil
			m.ToolCallID = ""
		}
		if m.Content == "" && len(m.ToolCalls) == 0 {
			continue
		}
		out = append(out, Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		})
	}
	return out
}

func isRateLimit(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
