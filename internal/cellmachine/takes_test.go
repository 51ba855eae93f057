package cellmachine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRunTakesCollectsAllAttempts(t *testing.T) {
	fn := func(ctx context.Context, idx int) (string, []TurnOutput, error) {
		return fmt.Sprintf("candidate-%d", idx), nil, nil
	}
	attempts, err := RunTakes(context.Background(), 3, 2, fn)
	if err != nil {
		t.Fatalf("RunTakes: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Index != i {
			t.Fatalf("attempt %d has index %d", i, a.Index)
		}
	}
}

func TestRunTakesToleratesPartialFailure(t *testing.T) {
	fn := func(ctx context.Context, idx int) (string, []TurnOutput, error) {
		if idx == 1 {
			return "", nil, errors.New("boom")
		}
		return fmt.Sprintf("candidate-%d", idx), nil, nil
	}
	attempts, err := RunTakes(context.Background(), 3, 3, fn)
	if err != nil {
		t.Fatalf("expected success since not all takes failed: %v", err)
	}
	if attempts[1].Err == nil {
		t.Fatal("expected attempt 1 to carry its error")
	}
}

func TestRunTakesErrorsWhenAllFail(t *testing.T) {
	fn := func(ctx context.Context, idx int) (string, []TurnOutput, error) {
		return "", nil, errors.New("boom")
	}
	_, err := RunTakes(context.Background(), 2, 2, fn)
	if err == nil {
		t.Fatal("expected error when every take fails")
	}
}

func TestSelectWinnerSingleSurvivorSkipsEvaluator(t *testing.T) {
	attempts := []TakeAttempt{
		{Index: 0, Content: "only", Err: errors.New("failed")},
		{Index: 1, Content: "survivor"},
	}
	called := false
	eval := func(ctx context.Context, candidates []string) (int, string, error) {
		called = true
		return 0, "", nil
	}
	winner, _, err := SelectWinner(context.Background(), attempts, eval)
	if err != nil {
		t.Fatalf("SelectWinner: %v", err)
	}
	if winner.Content != "survivor" {
		t.Fatalf("unexpected winner: %+v", winner)
	}
	if called {
		t.Fatal("evaluator should not be invoked for a sole survivor")
	}
}

func TestSelectWinnerDelegatesToEvaluator(t *testing.T) {
	attempts := []TakeAttempt{
		{Index: 0, Content: "a"},
		{Index: 1, Content: "b"},
	}
	eval := func(ctx context.Context, candidates []string) (int, string, error) {
		return 1, "b is better", nil
	}
	winner, reasoning, err := SelectWinner(context.Background(), attempts, eval)
	if err != nil {
		t.Fatalf("SelectWinner: %v", err)
	}
	if winner.Content != "b" {
		t.Fatalf("expected winner b, got %+v", winner)
	}
	if reasoning != "b is better" {
		t.Fatalf("unexpected reasoning: %q", reasoning)
	}
}

func TestSelectWinnerRejectsOutOfRangeIndex(t *testing.T) {
	attempts := []TakeAttempt{{Index: 0, Content: "a"}, {Index: 1, Content: "b"}}
	eval := func(ctx context.Context, candidates []string) (int, string, error) {
		return 5, "", nil
	}
	_, _, err := SelectWinner(context.Background(), attempts, eval)
	if err == nil {
		t.Fatal("expected out-of-range winner index to error")
	}
}

func TestSelectWinnerErrorsWhenNoSurvivors(t *testing.T) {
	attempts := []TakeAttempt{{Index: 0, Err: errors.New("failed")}}
	_, _, err := SelectWinner(context.Background(), attempts, nil)
	if err == nil {
		t.Fatal("expected error when no takes succeeded")
	}
}

func TestRunReforgeRefinesAcrossRounds(t *testing.T) {
	gen := func(ctx context.Context, priorWinner string, idx int) (string, []TurnOutput, error) {
		return priorWinner + "+refined", nil, nil
	}
	eval := func(ctx context.Context, candidates []string) (int, string, error) {
		return 0, "", nil
	}
	final, rounds, err := RunReforge(context.Background(), 2, 1, 1, "draft", gen, eval)
	if err != nil {
		t.Fatalf("RunReforge: %v", err)
	}
	if final != "draft+refined+refined" {
		t.Fatalf("unexpected final content: %q", final)
	}
	if len(rounds) != 2 {
		t.Fatalf("expected 2 recorded rounds, got %d", len(rounds))
	}
}

func TestRunReforgePropagatesGenerationError(t *testing.T) {
	gen := func(ctx context.Context, priorWinner string, idx int) (string, []TurnOutput, error) {
		return "", nil, errors.New("generation failed")
	}
	_, _, err := RunReforge(context.Background(), 1, 1, 1, "draft", gen, nil)
	if err == nil {
		t.Fatal("expected error to propagate from a failed reforge round")
	}
}
