package cellmachine

import (
	"context"
	"fmt"

	"github.com/cascadeforge/cascade/internal/agent"
	"github.com/cascadeforge/cascade/internal/cascade"
	"go.uber.org/multierr"
)

// WardOutcome is a single ward's verdict.
type WardOutcome struct {
	Ward   cascade.Ward
	Passed bool
	Reason string
	Err    error
}

// DeterministicWardFunc runs a named deterministic ward check.
type DeterministicWardFunc func(ctx context.Context, ward cascade.Ward, content string) (passed bool, reason string, err error)

// RunWards evaluates every ward in order against content. blocking
// failures stop evaluation immediately (the cell fails and the cascade
// aborts); advisory failures are recorded but do not stop evaluation;
// retry failures are reported to the caller, which re-runs the owning
// turn loop up to a bounded count.
func RunWards(
	ctx context.Context,
	wards []cascade.Ward,
	content string,
	client LLMClient,
	det DeterministicWardFunc,
) ([]WardOutcome, error) {
	var outcomes []WardOutcome
	var aggErr error

	for _, w := range wards {
		passed, reason, err := evaluateWard(ctx, w, content, client, det)
		outcome := WardOutcome{Ward: w, Passed: passed, Reason: reason, Err: err}
		outcomes = append(outcomes, outcome)

		if err != nil {
			aggErr = multierr.Append(aggErr, fmt.Errorf("ward %s: %w", w.Name, err))
			continue
		}
		if !passed && w.Mode == cascade.WardBlocking {
			return outcomes, fmt.Errorf("ward %s failed (blocking): %s", w.Name, reason)
		}
	}

	return outcomes, aggErr
}

func evaluateWard(ctx context.Context, w cascade.Ward, content string, client LLMClient, det DeterministicWardFunc) (bool, string, error) {
	if w.Kind == "llm" {
		return evaluateLLMWard(ctx, w, content, client)
	}
	if det == nil {
		return false, "", fmt.Errorf("cellmachine: no deterministic ward function configured")
	}
	return det(ctx, w, content)
}

func evaluateLLMWard(ctx context.Context, w cascade.Ward, content string, client LLMClient) (bool, string, error) {
	messages := []agent.Message{
		{Role: "system", Content: w.Prompt},
		{Role: "user", Content: content},
	}
	res, err := client.Run(ctx, messages, nil, agent.Options{})
	if err != nil {
		return false, "", err
	}
	return parseWardVerdict(res.Content)
}

// parseWardVerdict interprets a ward validator's plain-text verdict:
// a response starting with "PASS" passes, anything else (typically
// "FAIL: <reason>") fails with the remainder as the reason.
func parseWardVerdict(content string) (bool, string, error) {
	if len(content) >= 4 && content[:4] == "PASS" {
		return true, "", nil
	}
	reason := content
	if len(content) > 5 && content[:5] == "FAIL:" {
		reason = content[5:]
	}
	return false, reason, nil
}

// RetryLoop bounds a ward's retry-mode re-run count.
type RetryLoop struct {
	MaxRetries int
	attempt    int
}

// Next reports whether another retry attempt is allowed and advances
// the internal counter.
func (r *RetryLoop) Next() bool {
	if r.attempt >= maxOr(r.MaxRetries, 3) {
		return false
	}
	r.attempt++
	return true
}

func maxOr(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
