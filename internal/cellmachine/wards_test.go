package cellmachine

import (
	"context"
	"errors"
	"testing"

	"github.com/cascadeforge/cascade/internal/agent"
	"github.com/cascadeforge/cascade/internal/cascade"
)

type fakeLLMClient struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeLLMClient) Run(ctx context.Context, messages []agent.Message, tools []agent.ToolSpec, opts agent.Options) (*agent.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return &agent.Result{Content: f.responses[idx]}, nil
}

func TestRunWardsAllPass(t *testing.T) {
	client := &fakeLLMClient{responses: []string{"PASS"}}
	wards := []cascade.Ward{{Name: "tone", Mode: cascade.WardAdvisory, Kind: "llm", Prompt: "check tone"}}

	outcomes, err := RunWards(context.Background(), wards, "some content", client, nil)
	if err != nil {
		t.Fatalf("RunWards: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Passed {
		t.Fatalf("expected one passing outcome, got %+v", outcomes)
	}
}

func TestRunWardsBlockingFailureStopsImmediately(t *testing.T) {
	client := &fakeLLMClient{responses: []string{"FAIL: contains profanity"}}
	wards := []cascade.Ward{
		{Name: "profanity", Mode: cascade.WardBlocking, Kind: "llm", Prompt: "check profanity"},
		{Name: "length", Mode: cascade.WardAdvisory, Kind: "llm", Prompt: "check length"},
	}

	outcomes, err := RunWards(context.Background(), wards, "bad content", client, nil)
	if err == nil {
		t.Fatal("expected error from blocking ward failure")
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected evaluation to stop after the blocking failure, got %d outcomes", len(outcomes))
	}
}

func TestRunWardsAdvisoryFailureContinues(t *testing.T) {
	client := &fakeLLMClient{responses: []string{"FAIL: too short"}}
	wards := []cascade.Ward{
		{Name: "length", Mode: cascade.WardAdvisory, Kind: "llm", Prompt: "check length"},
	}

	outcomes, err := RunWards(context.Background(), wards, "short", client, nil)
	if err != nil {
		t.Fatalf("advisory failure should not return an error: %v", err)
	}
	if outcomes[0].Passed {
		t.Fatal("expected advisory ward to be recorded as failed")
	}
	if outcomes[0].Reason != " too short" {
		t.Fatalf("unexpected reason: %q", outcomes[0].Reason)
	}
}

func TestRunWardsDeterministicWithoutFuncErrors(t *testing.T) {
	wards := []cascade.Ward{{Name: "schema", Mode: cascade.WardAdvisory, Kind: "deterministic"}}
	_, err := RunWards(context.Background(), wards, "content", nil, nil)
	if err == nil {
		t.Fatal("expected error when no deterministic ward function is configured")
	}
}

func TestRunWardsDeterministicUsesProvidedFunc(t *testing.T) {
	called := false
	det := func(ctx context.Context, w cascade.Ward, content string) (bool, string, error) {
		called = true
		return true, "", nil
	}
	wards := []cascade.Ward{{Name: "schema", Mode: cascade.WardAdvisory, Kind: "deterministic"}}
	outcomes, err := RunWards(context.Background(), wards, "content", nil, det)
	if err != nil {
		t.Fatalf("RunWards: %v", err)
	}
	if !called || !outcomes[0].Passed {
		t.Fatal("expected deterministic ward func to be invoked and pass")
	}
}

func TestRunWardsAggregatesErrorsAcrossFailedEvaluations(t *testing.T) {
	client := &fakeLLMClient{err: errors.New("provider unavailable")}
	wards := []cascade.Ward{
		{Name: "a", Mode: cascade.WardAdvisory, Kind: "llm", Prompt: "p"},
		{Name: "b", Mode: cascade.WardAdvisory, Kind: "llm", Prompt: "p"},
	}
	_, err := RunWards(context.Background(), wards, "content", client, nil)
	if err == nil {
		t.Fatal("expected aggregated error")
	}
}

func TestRetryLoopBoundsAttempts(t *testing.T) {
	r := RetryLoop{MaxRetries: 2}
	if !r.Next() {
		t.Fatal("expected first retry allowed")
	}
	if !r.Next() {
		t.Fatal("expected second retry allowed")
	}
	if r.Next() {
		t.Fatal("expected third retry to be disallowed")
	}
}

func TestRetryLoopDefaultsWhenUnset(t *testing.T) {
	r := RetryLoop{}
	count := 0
	for r.Next() {
		count++
	}
	if count != 3 {
		t.Fatalf("expected default of 3 retries, got %d", count)
	}
}
