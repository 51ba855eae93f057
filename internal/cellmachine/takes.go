package cellmachine

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"
)

// TakeAttempt is one independent take's outcome.
type TakeAttempt struct {
	Index       int
	Content     string
	TurnOutputs []TurnOutput
	Err         error
}

// TakeFunc runs a single take attempt, receiving its sounding index.
type TakeFunc func(ctx context.Context, index int) (string, []TurnOutput, error)

// RunTakes spawns n independent take attempts concurrently (bounded by
// maxParallel), each with its own sounding_index. A failed take is
// recorded but does not abort the others — the cell only fails if every
// take fails.
func RunTakes(ctx context.Context, n, maxParallel int, fn TakeFunc) ([]TakeAttempt, error) {
	if n < 1 {
		n = 1
	}
	if maxParallel < 1 {
		maxParallel = n
	}

	results := make([]TakeAttempt, n)
	p := pool.New().WithMaxGoroutines(maxParallel)

	for i := 0; i < n; i++ {
		i := i
		p.Go(func() {
			content, turnOutputs, err := fn(ctx, i)
			results[i] = TakeAttempt{Index: i, Content: content, TurnOutputs: turnOutputs, Err: err}
		})
	}
	p.Wait()

	allFailed := true
	for _, r := range results {
		if r.Err == nil {
			allFailed = false
			break
		}
	}
	if allFailed {
		return results, fmt.Errorf("cellmachine: all %d takes failed", n)
	}
	return results, nil
}

// EvaluatorFunc picks a winner among candidate take outputs, returning
// its index. Candidates that errored are excluded before this is called.
type EvaluatorFunc func(ctx context.Context, candidates []string) (winnerIndex int, reasoning string, err error)

// SelectWinner filters out failed takes and invokes evaluate over the
// survivors, translating its local winner index back into the original
// take index.
func SelectWinner(ctx context.Context, attempts []TakeAttempt, evaluate EvaluatorFunc) (*TakeAttempt, string, error) {
	var survivors []TakeAttempt
	for _, a := range attempts {
		if a.Err == nil {
			survivors = append(survivors, a)
		}
	}
	if len(survivors) == 0 {
		return nil, "", fmt.Errorf("cellmachine: no successful takes to evaluate")
	}
	if len(survivors) == 1 {
		return &survivors[0], "", nil
	}

	candidates := make([]string, len(survivors))
	for i, s := range survivors {
		candidates[i] = s.Content
	}

	winnerIdx, reasoning, err := evaluate(ctx, candidates)
	if err != nil {
		return nil, "", fmt.Errorf("cellmachine: evaluator: %w", err)
	}
	if winnerIdx < 0 || winnerIdx >= len(survivors) {
		return nil, "", fmt.Errorf("cellmachine: evaluator returned out-of-range winner_index %d", winnerIdx)
	}
	return &survivors[winnerIdx], reasoning, nil
}

// ReforgeFunc generates one reforge candidate from the prior winner's
// content plus a refinement prompt.
type ReforgeFunc func(ctx context.Context, priorWinner string, attemptIndex int) (string, []TurnOutput, error)

// ReforgeRound records one round of reforge's attempts and the
// evaluator's winner, for the log's reforge_step/reforge_attempt rows.
type ReforgeRound struct {
	Attempts       []TakeAttempt
	WinnerIndex    int
	EvaluatorNotes string
}

// TakesOutcome aggregates one cell's full soundings/reforge execution, so
// the caller can log sounding_attempt/evaluator/reforge_step rows and
// mark is_winner on exactly the right take (spec §4.8.2, §8 invariant 2).
type TakesOutcome struct {
	Attempts        []TakeAttempt
	WinnerIndex     int // index into Attempts
	EvaluatorNotes  string
	ReforgeRounds   []ReforgeRound
	FinalWinnerText string
}

// RunReforge runs R rounds of reforge_attempts candidates each, refining
// from the prior round's winner, per spec §4.8.2. It returns the final
// winning text plus a per-round record of every attempt and the winner
// picked that round, so callers can log reforge_attempt/reforge_step rows.
func RunReforge(ctx context.Context, rounds, attemptsPerRound, maxParallel int, priorWinner string, gen ReforgeFunc, evaluate EvaluatorFunc) (string, []ReforgeRound, error) {
	winner := priorWinner
	var history []ReforgeRound
	for round := 0; round < rounds; round++ {
		attempts, err := RunTakes(ctx, attemptsPerRound, maxParallel, func(ctx context.Context, idx int) (string, []TurnOutput, error) {
			return gen(ctx, winner, idx)
		})
		if err != nil {
			return "", history, fmt.Errorf("cellmachine: reforge round %d: %w", round, err)
		}
		best, reasoning, err := SelectWinner(ctx, attempts, evaluate)
		if err != nil {
			return "", history, fmt.Errorf("cellmachine: reforge round %d evaluator: %w", round, err)
		}
		winner = best.Content
		history = append(history, ReforgeRound{Attempts: attempts, WinnerIndex: best.Index, EvaluatorNotes: reasoning})
	}
	return winner, history, nil
}
