package cellmachine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cascadeforge/cascade/internal/agent"
	"github.com/cascadeforge/cascade/internal/budget"
	"github.com/cascadeforge/cascade/internal/cascade"
	"github.com/cascadeforge/cascade/internal/cellexec"
	"github.com/cascadeforge/cascade/internal/checkpoint"
	"github.com/cascadeforge/cascade/internal/sessiondb"
)

// MemoryStore loads and stores a cell's named memory scope. Implementations
// are out of scope for this repo's core (spec §13's embeddings/RAG-store
// Non-goal); a no-op store satisfies the interface for cells that don't
// declare a memory scope.
type MemoryStore interface {
	Load(ctx context.Context, scope string) (string, error)
	Store(ctx context.Context, scope, content string) error
}

// NoopMemoryStore implements MemoryStore with no persistence.
type NoopMemoryStore struct{}

func (NoopMemoryStore) Load(context.Context, string) (string, error) { return "", nil }
func (NoopMemoryStore) Store(context.Context, string, string) error  { return nil }

// Machine orchestrates the cell state machine of spec §4.8: render ->
// pre_wards -> memory_load -> (LLM turn loop | deterministic executor) ->
// post_wards -> memory_store -> cell_complete. Its collaborators are
// passed explicitly into New rather than reached through globals.
type Machine struct {
	Skills           *SkillRegistry
	Checkpoints      *checkpoint.Manager
	Executors        *cellexec.Registry
	Memory           MemoryStore
	BudgetCfg        budget.Config
	Summarizer       budget.Summarizer
	DetWard          DeterministicWardFunc
	Evaluate         EvaluatorFunc
	MaxParallelTakes int
	AutoFix          cellexec.AutoFixFunc
}

// New constructs a Machine; Memory defaults to NoopMemoryStore when nil.
func New(skills *SkillRegistry, checkpoints *checkpoint.Manager, executors *cellexec.Registry, memory MemoryStore) *Machine {
	if memory == nil {
		memory = NoopMemoryStore{}
	}
	return &Machine{
		Skills:           skills,
		Checkpoints:      checkpoints,
		Executors:        executors,
		Memory:           memory,
		MaxParallelTakes: 4,
	}
}

// CellRunResult is a completed cell's output plus every intermediate
// artifact the runner logs as its own row (spec §3/§4.10): pre/post ward
// verdicts, dispatched tool calls, any validation-retry rounds a
// retry-mode post ward forced, and the takes/evaluator/reforge record
// when the cell sounded more than one attempt. TurnOutputs holds one
// slice per retry-loop round (index-aligned with ValidationRetries plus
// the final round), each slice one entry per turn of that round's turn
// loop, so the runner can log a turn_output row per turn (§4.8.1 step 3).
type CellRunResult struct {
	Result            cascade.Result
	PreWards          []WardOutcome
	PostWards         []WardOutcome
	ValidationRetries []WardOutcome
	ToolCalls         []ToolCallLog
	TurnOutputs       [][]TurnOutput
	Takes             *TakesOutcome
}

// RunCell executes one cell end to end against tmplCtx and returns its
// Result envelope (Ok/Rejected/Handoff per spec §9's tagged-envelope
// design).
func (m *Machine) RunCell(
	ctx context.Context,
	sessionID string,
	cell *cascade.Cell,
	tmplCtx *cascade.Context,
	db *sessiondb.DB,
	client LLMClient,
	prior map[string]cellexec.Dataframe,
) (*CellRunResult, error) {
	renderedInput, err := renderCellInput(cell, tmplCtx)
	if err != nil {
		return nil, fmt.Errorf("cellmachine: render cell %s: %w", cell.Name, err)
	}

	preOutcomes, err := RunWards(ctx, cell.Wards.Pre, renderedInput, client, m.DetWard)
	if err != nil {
		return &CellRunResult{Result: cascade.Rejected(err), PreWards: preOutcomes}, nil
	}

	memCtx := ""
	if cell.Memory != "" {
		memCtx, err = m.Memory.Load(ctx, cell.Memory)
		if err != nil {
			return nil, fmt.Errorf("cellmachine: memory load for cell %s: %w", cell.Name, err)
		}
	}

	var content string
	var routeTo string
	var toolLog []ToolCallLog
	var takesOut *TakesOutcome
	var postOutcomes []WardOutcome
	var validationRetries []WardOutcome
	var extraMessages []agent.Message
	var turnOutputsRounds [][]TurnOutput

	retryLoop := RetryLoop{MaxRetries: maxPostRetries(cell.Wards.Post)}

	for {
		var roundTurnOutputs []TurnOutput
		if cell.IsLLM() {
			content, routeTo, toolLog, roundTurnOutputs, takesOut, err = m.runLLMPath(ctx, sessionID, cell, renderedInput, memCtx, client, extraMessages)
		} else {
			content, err = m.runDeterministicPath(ctx, cell, renderedInput, db, prior)
		}
		turnOutputsRounds = append(turnOutputsRounds, roundTurnOutputs)
		if err != nil {
			return &CellRunResult{Result: cascade.Rejected(err), PreWards: preOutcomes, TurnOutputs: turnOutputsRounds}, nil
		}

		postOutcomes, err = RunWards(ctx, cell.Wards.Post, content, client, m.DetWard)
		if err != nil {
			return &CellRunResult{Result: cascade.Rejected(err), PreWards: preOutcomes, PostWards: postOutcomes, ToolCalls: toolLog, TurnOutputs: turnOutputsRounds, Takes: takesOut}, nil
		}

		failing, retryable := firstRetryFailure(postOutcomes)
		if !retryable || !cell.IsLLM() || !retryLoop.Next() {
			break
		}
		validationRetries = append(validationRetries, failing)
		extraMessages = append(extraMessages, agent.Message{
			Role:    "user",
			Content: fmt.Sprintf("Validation failed (%s): %s. Revise your answer so it satisfies the check.", failing.Ward.Name, failing.Reason),
		})
	}

	if cell.HumanInput != nil && cell.HumanInput.Type != string(checkpoint.TypeSoundingEval) {
		resolved, hitlErr := m.runCheckpoint(ctx, sessionID, cell, content)
		if hitlErr != nil {
			return &CellRunResult{Result: cascade.Rejected(hitlErr), PreWards: preOutcomes, PostWards: postOutcomes, ValidationRetries: validationRetries, ToolCalls: toolLog, TurnOutputs: turnOutputsRounds, Takes: takesOut}, nil
		}
		content = resolved
	}

	if cell.Memory != "" {
		if err := m.Memory.Store(ctx, cell.Memory, content); err != nil {
			return nil, fmt.Errorf("cellmachine: memory store for cell %s: %w", cell.Name, err)
		}
	}

	res := cascade.Ok(content)
	if routeTo != "" {
		res = cascade.Handoff(routeTo, content)
	}

	return &CellRunResult{
		Result:            res,
		PreWards:          preOutcomes,
		PostWards:         postOutcomes,
		ValidationRetries: validationRetries,
		ToolCalls:         toolLog,
		TurnOutputs:       turnOutputsRounds,
		Takes:             takesOut,
	}, nil
}

// firstRetryFailure returns the first failed, retry-mode ward outcome, if
// any, so the caller knows whether to re-run the turn loop.
func firstRetryFailure(outcomes []WardOutcome) (WardOutcome, bool) {
	for _, o := range outcomes {
		if !o.Passed && o.Err == nil && o.Ward.Mode == cascade.WardRetry {
			return o, true
		}
	}
	return WardOutcome{}, false
}

// maxPostRetries is the largest MaxRetries declared by any retry-mode
// post ward, or 0 (RetryLoop's own default) when none is set.
func maxPostRetries(wards []cascade.Ward) int {
	max := 0
	for _, w := range wards {
		if w.Mode == cascade.WardRetry && w.MaxRetries > max {
			max = w.MaxRetries
		}
	}
	return max
}

func renderCellInput(cell *cascade.Cell, tmplCtx *cascade.Context) (string, error) {
	if cell.IsLLM() {
		return tmplCtx.Render(cell.Instructions)
	}
	return tmplCtx.Render(cell.Body)
}

// runLLMPath drives the LLM path for one cell, optionally wrapped in
// takes/reforge. extraMessages carries any validation-retry injections
// accumulated across a bounded post-ward retry loop (§4.8.4), prepended
// to every turn loop invocation's history this call makes. It returns
// the winning content, an optional route_to target, the dispatched tool
// call log, the turn-by-turn assistant outputs of a single-take run (nil
// when takes >= 2, since per-attempt turn outputs live inside the
// returned TakesOutcome instead), and — when the cell sounded more than
// one attempt — the full TakesOutcome record for the runner to log.
func (m *Machine) runLLMPath(ctx context.Context, sessionID string, cell *cascade.Cell, renderedInput, memCtx string, client LLMClient, extraMessages []agent.Message) (string, string, []ToolCallLog, []TurnOutput, *TakesOutcome, error) {
	systemPrompt := renderedInput
	if memCtx != "" {
		systemPrompt += "\n\n" + memCtx
	}

	runTake := func(ctx context.Context, _ int) (string, []TurnOutput, error) {
		result, err := RunTurnLoop(ctx, cell, systemPrompt, extraMessages, client, m.Skills, m.BudgetCfg, m.Summarizer)
		if err != nil {
			return "", nil, err
		}
		if result.ForcedStop {
			return "", result.TurnOutputs, fmt.Errorf("cellmachine: cell %s hit max turns without completion", cell.Name)
		}
		return result.Content, result.TurnOutputs, nil
	}

	takes := cell.EffectiveTakes()
	if takes < 2 {
		result, err := RunTurnLoop(ctx, cell, systemPrompt, extraMessages, client, m.Skills, m.BudgetCfg, m.Summarizer)
		if err != nil {
			return "", "", nil, nil, nil, err
		}
		if result.ForcedStop {
			return "", "", nil, result.TurnOutputs, nil, fmt.Errorf("cellmachine: cell %s hit max turns without completion", cell.Name)
		}
		return result.Content, result.RouteTo, result.ToolCalls, result.TurnOutputs, nil, nil
	}

	evaluate := m.Evaluate
	if cell.HumanInput != nil && cell.HumanInput.Type == string(checkpoint.TypeSoundingEval) {
		evaluate = m.soundingEvalEvaluator(sessionID, cell)
	}

	attempts, err := RunTakes(ctx, takes, m.MaxParallelTakes, runTake)
	if err != nil {
		return "", "", nil, nil, nil, err
	}
	winner, reasoning, err := SelectWinner(ctx, attempts, evaluate)
	if err != nil {
		return "", "", nil, nil, nil, err
	}
	winnerContent := winner.Content
	takesOut := &TakesOutcome{Attempts: attempts, WinnerIndex: winner.Index, EvaluatorNotes: reasoning}

	if cell.ReforgeSteps > 0 {
		reforgeGen := func(ctx context.Context, priorWinner string, idx int) (string, []TurnOutput, error) {
			refinementPrompt := systemPrompt + "\n\nRefine the following prior answer:\n" + priorWinner
			result, err := RunTurnLoop(ctx, cell, refinementPrompt, nil, client, m.Skills, m.BudgetCfg, m.Summarizer)
			if err != nil {
				return "", nil, err
			}
			return result.Content, result.TurnOutputs, nil
		}
		attemptsPerRound := cell.ReforgeAttmps
		if attemptsPerRound < 1 {
			attemptsPerRound = 1
		}
		var rounds []ReforgeRound
		winnerContent, rounds, err = RunReforge(ctx, cell.ReforgeSteps, attemptsPerRound, m.MaxParallelTakes, winnerContent, reforgeGen, evaluate)
		if err != nil {
			return "", "", nil, nil, takesOut, err
		}
		takesOut.ReforgeRounds = rounds
	}
	takesOut.FinalWinnerText = winnerContent

	return winnerContent, "", nil, nil, takesOut, nil
}

// soundingEvalEvaluator replaces the LLM evaluator with a checkpoint that
// presents every candidate take's content to a human and waits for a
// winner selection, per spec §4.8.2's human_input.type = sounding_eval
// path.
func (m *Machine) soundingEvalEvaluator(sessionID string, cell *cascade.Cell) EvaluatorFunc {
	return func(ctx context.Context, candidates []string) (int, string, error) {
		candidateKeys := make([]string, len(candidates))
		for i := range candidates {
			candidateKeys[i] = fmt.Sprintf("candidate_%d", i)
		}

		spec, err := checkpoint.BuildUISpec(cell.Name, "", cell.HumanInput.Hint, candidateKeys)
		if err != nil {
			return 0, "", err
		}
		specJSON, err := json.Marshal(spec)
		if err != nil {
			return 0, "", err
		}
		candidateJSON, err := json.Marshal(candidates)
		if err != nil {
			return 0, "", err
		}

		id := fmt.Sprintf("%s-%s-sounding-eval", sessionID, cell.Name)
		if _, err := m.Checkpoints.Create(checkpoint.Checkpoint{
			ID:               id,
			SessionID:        sessionID,
			Cell:             cell.Name,
			Type:             checkpoint.TypeSoundingEval,
			UISpec:           specJSON,
			CandidateOutputs: candidateJSON,
		}); err != nil {
			return 0, "", err
		}

		resolved, err := m.Checkpoints.Wait(id, ctx.Done())
		if err != nil {
			return 0, "", err
		}

		switch resolved.Status {
		case checkpoint.StatusResponded:
			if resolved.Winner == nil {
				return 0, "", fmt.Errorf("cellmachine: sounding_eval checkpoint %s responded without a winner", id)
			}
			for i, key := range candidateKeys {
				if key == *resolved.Winner {
					reasoning := ""
					if resolved.Reasoning != nil {
						reasoning = *resolved.Reasoning
					}
					return i, reasoning, nil
				}
			}
			return 0, "", fmt.Errorf("cellmachine: sounding_eval checkpoint %s: unknown winner %q", id, *resolved.Winner)
		case checkpoint.StatusCancelled:
			return 0, "", fmt.Errorf("cellmachine: sounding_eval checkpoint %s cancelled", id)
		default:
			return 0, "", fmt.Errorf("cellmachine: sounding_eval checkpoint %s timed out", id)
		}
	}
}

func (m *Machine) runDeterministicPath(ctx context.Context, cell *cascade.Cell, renderedBody string, db *sessiondb.DB, prior map[string]cellexec.Dataframe) (string, error) {
	exec, err := m.Executors.Resolve(cell.Tool)
	if err != nil {
		return "", err
	}

	res, err := cellexec.RunWithAutoFix(ctx, exec, db, cell.Name, cell.Tool, renderedBody, prior, cell.AutoFix, m.AutoFix)
	if err != nil {
		return "", err
	}

	disableMaterialize := cell.OutputMode == cascade.OutputSQLStatement
	if err := cellexec.MaterializeOnSuccess(db, cell.Name, res, disableMaterialize); err != nil {
		return "", fmt.Errorf("cellmachine: materialize %s: %w", cell.Name, err)
	}

	if res.Dataframe != nil {
		return dataframeSummary(res.Dataframe), nil
	}
	return fmt.Sprintf("%v", res.Scalar), nil
}

func dataframeSummary(df *cellexec.Dataframe) string {
	return fmt.Sprintf("%d rows, columns=%v", len(df.Rows), df.Columns)
}

func (m *Machine) runCheckpoint(ctx context.Context, sessionID string, cell *cascade.Cell, draft string) (string, error) {
	spec, err := checkpoint.BuildUISpec(cell.Name, draft, cell.HumanInput.Hint, nil)
	if err != nil {
		return "", err
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}

	id := fmt.Sprintf("%s-%s-checkpoint", sessionID, cell.Name)
	ckptType := checkpoint.Type(cell.HumanInput.Type)
	if _, err := m.Checkpoints.Create(checkpoint.Checkpoint{
		ID:         id,
		SessionID:  sessionID,
		Cell:       cell.Name,
		Type:       ckptType,
		CellOutput: draft,
		UISpec:     specJSON,
	}); err != nil {
		return "", err
	}

	resolved, err := m.Checkpoints.Wait(id, ctx.Done())
	if err != nil {
		return "", err
	}

	switch resolved.Status {
	case checkpoint.StatusResponded:
		if len(resolved.Response) > 0 {
			return string(resolved.Response), nil
		}
		return draft, nil
	case checkpoint.StatusCancelled:
		return "", fmt.Errorf("cellmachine: checkpoint %s cancelled", id)
	default:
		return m.applyTimeoutAction(cell, draft)
	}
}

func (m *Machine) applyTimeoutAction(cell *cascade.Cell, draft string) (string, error) {
	switch cell.HumanInput.OnTimeout {
	case cascade.TimeoutAbort:
		return "", fmt.Errorf("cellmachine: checkpoint for cell %s timed out (abort)", cell.Name)
	case cascade.TimeoutRetry:
		return draft, fmt.Errorf("cellmachine: checkpoint for cell %s timed out (retry requested)", cell.Name)
	default:
		return draft, nil
	}
}
