package cellmachine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cascadeforge/cascade/internal/cascade"
	"github.com/cascadeforge/cascade/internal/cellexec"
	"github.com/cascadeforge/cascade/internal/checkpoint"
	"github.com/cascadeforge/cascade/internal/sessiondb"
	"github.com/spf13/afero"
)

func newTestMachine(t *testing.T) (*Machine, *sessiondb.DB, *checkpoint.Manager) {
	t.Helper()

	ckptPath := filepath.Join(t.TempDir(), "checkpoints.db")
	ckpts, err := checkpoint.New(ckptPath)
	if err != nil {
		t.Fatalf("checkpoint.New: %v", err)
	}
	t.Cleanup(func() { _ = ckpts.Close() })

	dbMgr := sessiondb.NewManager(afero.NewOsFs(), t.TempDir())
	db, err := dbMgr.Open("session-1")
	if err != nil {
		t.Fatalf("sessiondb Open: %v", err)
	}
	t.Cleanup(func() { _ = dbMgr.Close("session-1") })

	executors := cellexec.NewRegistry(cellexec.CommandRunner{}, nil, nil)
	skills := NewSkillRegistry()

	m := New(skills, ckpts, executors, nil)
	return m, db, ckpts
}

func TestRunCellDeterministicSQLPath(t *testing.T) {
	m, db, _ := newTestMachine(t)

	cell := &cascade.Cell{
		Name: "count_rows",
		Tool: "sql",
		Body: "SELECT 1 AS n",
	}
	tmplCtx := cascade.NewContext(map[string]any{})

	result, err := m.RunCell(context.Background(), "session-1", cell, tmplCtx, db, nil, nil)
	if err != nil {
		t.Fatalf("RunCell: %v", err)
	}
	if !result.Result.IsOK() {
		t.Fatalf("expected Ok result, got %+v", result.Result)
	}
}

func TestRunCellLLMPathWithoutTools(t *testing.T) {
	m, db, _ := newTestMachine(t)
	client := &fakeLLMClient{responses: []string{"final answer"}}

	cell := &cascade.Cell{
		Name:         "summarize",
		Instructions: "Summarize the input: {{input.text}}",
		MaxTurns:     1,
	}
	tmplCtx := cascade.NewContext(map[string]any{"text": "hello world"})

	result, err := m.RunCell(context.Background(), "session-1", cell, tmplCtx, db, client, nil)
	if err != nil {
		t.Fatalf("RunCell: %v", err)
	}
	if !result.Result.IsOK() {
		t.Fatalf("expected Ok result, got %+v", result.Result)
	}
	if result.Result.Value != "final answer" {
		t.Fatalf("unexpected value: %+v", result.Result.Value)
	}
}

func TestRunCellPreWardBlockingRejectsCell(t *testing.T) {
	m, db, _ := newTestMachine(t)
	client := &fakeLLMClient{responses: []string{"FAIL: blocked by pre-ward"}}

	cell := &cascade.Cell{
		Name:         "gated",
		Instructions: "do the thing",
		MaxTurns:     1,
		Wards: cascade.Wards{
			Pre: []cascade.Ward{{Name: "gate", Mode: cascade.WardBlocking, Kind: "llm", Prompt: "gate check"}},
		},
	}
	tmplCtx := cascade.NewContext(map[string]any{})

	result, err := m.RunCell(context.Background(), "session-1", cell, tmplCtx, db, client, nil)
	if err != nil {
		t.Fatalf("RunCell itself should not error: %v", err)
	}
	if result.Result.Route != cascade.RouteRejected {
		t.Fatalf("expected rejected route, got %+v", result.Result)
	}
}

func TestRunCellCapturesTurnOutputsPerRetryRound(t *testing.T) {
	m, db, _ := newTestMachine(t)
	client := &fakeLLMClient{responses: []string{"draft one", "FAIL: needs work", "draft two", "PASS"}}

	cell := &cascade.Cell{
		Name:         "polish",
		Instructions: "polish the input: {{input.text}}",
		MaxTurns:     1,
		Wards: cascade.Wards{
			Post: []cascade.Ward{{Name: "check", Mode: cascade.WardRetry, Kind: "llm", Prompt: "check", MaxRetries: 1}},
		},
	}
	tmplCtx := cascade.NewContext(map[string]any{"text": "hello"})

	result, err := m.RunCell(context.Background(), "session-1", cell, tmplCtx, db, client, nil)
	if err != nil {
		t.Fatalf("RunCell: %v", err)
	}
	if !result.Result.IsOK() {
		t.Fatalf("expected Ok result, got %+v", result.Result)
	}
	if result.Result.Value != "draft two" {
		t.Fatalf("expected final content from the retried round, got %+v", result.Result.Value)
	}

	if len(result.TurnOutputs) != 2 {
		t.Fatalf("expected one TurnOutputs slice per round, got %d", len(result.TurnOutputs))
	}
	if len(result.TurnOutputs[0]) != 1 || result.TurnOutputs[0][0].Content != "draft one" {
		t.Fatalf("unexpected first round turn outputs: %+v", result.TurnOutputs[0])
	}
	if len(result.TurnOutputs[1]) != 1 || result.TurnOutputs[1][0].Content != "draft two" {
		t.Fatalf("unexpected second round turn outputs: %+v", result.TurnOutputs[1])
	}
	if len(result.ValidationRetries) != 1 {
		t.Fatalf("expected exactly one validation retry, got %d", len(result.ValidationRetries))
	}
}

func TestSoundingEvalEvaluatorResolvesWinnerFromCheckpoint(t *testing.T) {
	m, _, ckpts := newTestMachine(t)

	cell := &cascade.Cell{
		Name:       "pick_best",
		HumanInput: &cascade.HumanInput{Type: "sounding_eval", Hint: "Pick the best draft"},
	}

	evaluate := m.soundingEvalEvaluator("session-1", cell)

	type evalResult struct {
		idx       int
		reasoning string
		err       error
	}
	resultCh := make(chan evalResult, 1)
	go func() {
		idx, reasoning, err := evaluate(context.Background(), []string{"draft a", "draft b", "draft c"})
		resultCh <- evalResult{idx, reasoning, err}
	}()

	id := "session-1-pick_best-sounding-eval"
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := ckpts.Get(id); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	winner := "candidate_1"
	reasoning := "draft b covers the edge cases the others miss"
	if err := ckpts.Respond(id, checkpoint.Response{Winner: &winner, Reasoning: &reasoning}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("evaluate: %v", res.err)
	}
	if res.idx != 1 {
		t.Fatalf("expected winner index 1, got %d", res.idx)
	}
	if res.reasoning != reasoning {
		t.Fatalf("unexpected reasoning: %q", res.reasoning)
	}
}

func TestRunCellHITLCheckpointBlocksUntilResponse(t *testing.T) {
	m, db, ckpts := newTestMachine(t)
	client := &fakeLLMClient{responses: []string{"draft output"}}

	cell := &cascade.Cell{
		Name:         "review",
		Instructions: "draft something",
		MaxTurns:     1,
		HumanInput:   &cascade.HumanInput{Type: "confirmation", OnTimeout: cascade.TimeoutContinueDefault},
	}
	tmplCtx := cascade.NewContext(map[string]any{})

	done := make(chan struct{})
	var result *CellRunResult
	var runErr error
	go func() {
		result, runErr = m.RunCell(context.Background(), "session-1", cell, tmplCtx, db, client, nil)
		close(done)
	}()

	id := "session-1-review-checkpoint"
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := ckpts.Get(id); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := ckpts.Respond(id, checkpoint.Response{Value: []byte(`"approved"`)}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	<-done
	if runErr != nil {
		t.Fatalf("RunCell: %v", runErr)
	}
	if !result.Result.IsOK() {
		t.Fatalf("expected Ok result after checkpoint response, got %+v", result.Result)
	}
}

func TestRunCellHITLCheckpointCancelled(t *testing.T) {
	m, db, ckpts := newTestMachine(t)
	client := &fakeLLMClient{responses: []string{"draft output"}}

	cell := &cascade.Cell{
		Name:         "review2",
		Instructions: "draft something",
		MaxTurns:     1,
		HumanInput:   &cascade.HumanInput{Type: "confirmation"},
	}
	tmplCtx := cascade.NewContext(map[string]any{})

	done := make(chan struct{})
	var result *CellRunResult
	go func() {
		result, _ = m.RunCell(context.Background(), "session-1", cell, tmplCtx, db, client, nil)
		close(done)
	}()

	id := "session-1-review2-checkpoint"
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := ckpts.Get(id); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := ckpts.Cancel(id, "user declined"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	<-done
	if result.Result.Route != cascade.RouteRejected {
		t.Fatalf("expected rejected route after cancellation, got %+v", result.Result)
	}
}
