// Package budget enforces a max-total token budget over a candidate
// message list using one of several pure strategies.
package budget

import (
	"errors"
	"fmt"
	"strings"

	glist "github.com/bahlo/generic-list-go"

	"github.com/cascadeforge/cascade/internal/agent"
)

// Strategy selects how the budgeter reacts when a message list exceeds
// its configured budget.
type Strategy string

const (
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyPruneOldest   Strategy = "prune_oldest"
	StrategySummarize     Strategy = "summarize"
	StrategyFail          Strategy = "fail"
)

// ErrBudgetExceeded is returned by the fail strategy when the candidate
// message list exceeds max_total.
var ErrBudgetExceeded = errors.New("budget: token budget exceeded")

// Config describes a budget policy.
type Config struct {
	MaxTotal         int
	ReserveForOutput int
	Strategy         Strategy
	WarningThreshold float64
}

// Summarizer reduces a slice of messages to a single synthetic summary
// string; used only by the summarize strategy. Callers typically pass a
// cheap-model agent.Run wrapper.
type Summarizer func(messages []agent.Message) (string, error)

// Result is the outcome of applying a budget to a message list.
type Result struct {
	Messages    []agent.Message
	TotalTokens int
	Pruned      bool
	Warning     bool
}

// CountTokens approximates token count as characters / 4, matching the
// estimation the budgeter's ambient callers already use for cost/memory
// sizing elsewhere in the system.
func CountTokens(m agent.Message) int {
	n := len(m.Content)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	return (n + 3) / 4
}

func totalTokens(messages []agent.Message) int {
	total := 0
	for _, m := range messages {
		total += CountTokens(m)
	}
	return total
}

// Apply enforces cfg against messages. It is a pure function of its
// inputs and the selected strategy; summarize is the only strategy that
// needs a Summarizer, which may be nil for the other three.
func Apply(cfg Config, messages []agent.Message, summarize Summarizer) (Result, error) {
	budget := cfg.MaxTotal - cfg.ReserveForOutput
	total := totalTokens(messages)

	res := Result{Messages: messages, TotalTokens: total}
	if cfg.WarningThreshold > 0 && float64(total) >= cfg.WarningThreshold*float64(budget) {
		res.Warning = true
	}
	if total <= budget {
		return res, nil
	}

	switch cfg.Strategy {
	case StrategySlidingWindow:
		return applySlidingWindow(messages, budget)
	case StrategyPruneOldest:
		return applyPruneOldest(messages, budget)
	case StrategySummarize:
		return applySummarize(messages, budget, summarize)
	case StrategyFail:
		return Result{}, fmt.Errorf("%w: %d tokens over budget %d", ErrBudgetExceeded, total-budget, budget)
	default:
		return Result{}, fmt.Errorf("budget: unknown strategy %q", cfg.Strategy)
	}
}

// applySlidingWindow preserves the first system message (if any) plus
// the most recent fitting suffix of the remaining messages, built from
// the tail backward using a doubly linked list so the suffix can grow
// without repeated slice reallocation.
func applySlidingWindow(messages []agent.Message, budget int) (Result, error) {
	var sysMsg *agent.Message
	rest := messages
	if len(messages) > 0 && messages[0].Role == "system" {
		sysMsg = &messages[0]
		rest = messages[1:]
	}

	used := 0
	if sysMsg != nil {
		used = CountTokens(*sysMsg)
	}

	window := glist.New[agent.Message]()
	for i := len(rest) - 1; i >= 0; i-- {
		cost := CountTokens(rest[i])
		if used+cost > budget {
			break
		}
		used += cost
		window.PushFront(rest[i])
	}

	out := make([]agent.Message, 0, window.Len()+1)
	if sysMsg != nil {
		out = append(out, *sysMsg)
	}
	for e := window.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value)
	}

	return Result{Messages: out, TotalTokens: used, Pruned: len(out) < len(messages)}, nil
}

// applyPruneOldest preserves the system message, the last three
// user/assistant turns, any message containing an error marker, and any
// message carrying a route_to tool call, in original order.
func applyPruneOldest(messages []agent.Message, budget int) (Result, error) {
	keep := make([]bool, len(messages))

	turnsSeen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		switch {
		case m.Role == "system":
			keep[i] = true
		case containsErrorMarker(m.Content):
			keep[i] = true
		case hasRouteToCall(m.ToolCalls):
			keep[i] = true
		case (m.Role == "user" || m.Role == "assistant") && turnsSeen < 3:
			keep[i] = true
			turnsSeen++
		}
	}

	out := make([]agent.Message, 0, len(messages))
	used := 0
	for i, k := range keep {
		if !k {
			continue
		}
		out = append(out, messages[i])
		used += CountTokens(messages[i])
	}

	return Result{Messages: out, TotalTokens: used, Pruned: len(out) < len(messages)}, nil
}

func containsErrorMarker(content string) bool {
	return strings.Contains(strings.ToLower(content), "error")
}

func hasRouteToCall(calls []agent.ToolCall) bool {
	for _, c := range calls {
		if c.Name == "route_to" {
			return true
		}
	}
	return false
}

// applySummarize keeps the system message plus the last ten messages,
// and replaces everything else with one synthetic system message
// produced by summarize.
func applySummarize(messages []agent.Message, budget int, summarize Summarizer) (Result, error) {
	if summarize == nil {
		return Result{}, fmt.Errorf("budget: summarize strategy requires a Summarizer")
	}

	const keepTail = 10
	var sysMsg *agent.Message
	rest := messages
	if len(messages) > 0 && messages[0].Role == "system" {
		sysMsg = &messages[0]
		rest = messages[1:]
	}

	if len(rest) <= keepTail {
		return Result{Messages: messages, TotalTokens: totalTokens(messages)}, nil
	}

	toSummarize := rest[:len(rest)-keepTail]
	tail := rest[len(rest)-keepTail:]

	summary, err := summarize(toSummarize)
	if err != nil {
		return Result{}, fmt.Errorf("budget: summarize: %w", err)
	}

	out := make([]agent.Message, 0, len(tail)+2)
	if sysMsg != nil {
		out = append(out, *sysMsg)
	}
	out = append(out, agent.Message{Role: "system", Content: summary})
	out = append(out, tail...)

	return Result{Messages: out, TotalTokens: totalTokens(out), Pruned: true}, nil
}
