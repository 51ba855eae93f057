// Package runner sequences a cascade's cells end to end: creating the
// durable session row, heartbeating, rendering each cell through
// cellmachine, publishing lifecycle events, appending log rows, and
// following route_to handoffs until the cascade completes, is rejected,
// or is cancelled.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cascadeforge/cascade/internal/cascade"
	"github.com/cascadeforge/cascade/internal/cellexec"
	"github.com/cascadeforge/cascade/internal/cellmachine"
	"github.com/cascadeforge/cascade/internal/hub"
	"github.com/cascadeforge/cascade/internal/logstore"
	"github.com/cascadeforge/cascade/internal/sessiondb"
	"github.com/cascadeforge/cascade/internal/sessionstore"
	"github.com/google/uuid"
)

// maxCellSteps bounds the total number of cell executions in one cascade
// run (including route_to re-entries), guarding against a handoff cycle.
const maxCellSteps = 500

// Runner wires together every collaborator a cascade run needs. Log and
// Client are interfaces, so tests can substitute fakes for them.
type Runner struct {
	Sessions   *sessionstore.Store
	Log        logstore.Writer
	Hub        *hub.Hub
	SessionDBs *sessiondb.Manager
	Machine    *cellmachine.Machine
	Client     cellmachine.LLMClient
	Heartbeat  time.Duration

	// MaxCostUSD, when non-zero, is the blocking-cost guard ceiling: once
	// CostLookup reports cumulative reconciled cost at or above this
	// value, the runner transitions the session to blocked(signal) and
	// stops rather than continuing to spend.
	MaxCostUSD float64
	CostLookup func(sessionID string) (float64, error)

	// Snapshots, when set, persists the per-session genus-hash pattern
	// snapshot (spec §12.6) once the cascade completes. Pass the
	// concrete *logstore.Store here rather than the fan-out Writer r.Log
	// is built from: the snapshot table is durable-log-only state that
	// should never be mirrored. Nil disables the snapshot write.
	Snapshots SnapshotWriter
}

// SnapshotWriter persists the per-session genus-hash pattern snapshot;
// satisfied by *logstore.Store.
type SnapshotWriter interface {
	WriteSnapshot(sessionID, genusHash string, input, output any) error
}

// New constructs a Runner. Heartbeat defaults to 15s when zero.
func New(sessions *sessionstore.Store, log logstore.Writer, h *hub.Hub, dbs *sessiondb.Manager, machine *cellmachine.Machine, client cellmachine.LLMClient) *Runner {
	return &Runner{Sessions: sessions, Log: log, Hub: h, SessionDBs: dbs, Machine: machine, Client: client, Heartbeat: 15 * time.Second}
}

// Outcome is what Run returns once a cascade has reached a terminal state.
type Outcome struct {
	SessionID string
	Status    sessionstore.Status
	Output    json.RawMessage
	Err       error
}

// Run executes spec against the given input, starting at its first cell,
// until a cell produces a terminal Rejected result, every cell completes,
// or ctx is cancelled. sessionID is generated if empty.
func (r *Runner) Run(ctx context.Context, sessionID string, spec *cascade.Spec, input map[string]any, leaseSeconds int) Outcome {
	return r.run(ctx, sessionID, spec, input, leaseSeconds, "")
}

// RunForCaller is Run, tagging every log row this cascade produces with
// callerID — used by the SQL bridge's rvbbit_cascade so a sub-cascade's
// cost and rows can be traced back to the statement that invoked it.
func (r *Runner) RunForCaller(ctx context.Context, sessionID string, spec *cascade.Spec, input map[string]any, leaseSeconds int, callerID string) Outcome {
	return r.run(ctx, sessionID, spec, input, leaseSeconds, callerID)
}

func (r *Runner) run(ctx context.Context, sessionID string, spec *cascade.Spec, input map[string]any, leaseSeconds int, callerID string) Outcome {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	inputJSON, _ := json.Marshal(input)
	if _, err := r.Sessions.Create(sessionID, spec.CascadeID, inputJSON, leaseSeconds, nil); err != nil {
		return Outcome{SessionID: sessionID, Err: fmt.Errorf("runner: create session: %w", err)}
	}

	defer r.Hub.Close(sessionID)

	db, err := r.SessionDBs.Open(sessionID)
	if err != nil {
		r.fail(sessionID, err)
		return Outcome{SessionID: sessionID, Status: sessionstore.StatusError, Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go r.heartbeatLoop(runCtx, &wg, sessionID)
	defer wg.Wait()

	r.Hub.Publish(hub.Event{Kind: hub.EventCascadeStart, SessionID: sessionID, CascadeID: spec.CascadeID})

	tmplCtx := cascade.NewContext(input)
	prior := make(map[string]cellexec.Dataframe)

	outcome := r.runCells(runCtx, sessionID, spec, tmplCtx, db, prior, callerID)
	cancel()
	if outcome.Status.IsTerminal() {
		_ = r.SessionDBs.Cleanup(sessionID)
	}
	return outcome
}

func (r *Runner) runCells(ctx context.Context, sessionID string, spec *cascade.Spec, tmplCtx *cascade.Context, db *sessiondb.DB, prior map[string]cellexec.Dataframe, callerID string) Outcome {
	if len(spec.Cells) == 0 {
		return Outcome{SessionID: sessionID, Status: sessionstore.StatusError, Err: fmt.Errorf("runner: cascade %s has no cells", spec.CascadeID)}
	}

	currentName := spec.Cells[0].Name
	var cellSequence []string
	for step := 0; step < maxCellSteps; step++ {
		select {
		case <-ctx.Done():
			return Outcome{SessionID: sessionID, Status: sessionstore.StatusCancelled, Err: ctx.Err()}
		default:
		}

		if cancelled, err := r.checkCancellation(sessionID); err != nil {
			return Outcome{SessionID: sessionID, Status: sessionstore.StatusError, Err: err}
		} else if cancelled {
			return Outcome{SessionID: sessionID, Status: sessionstore.StatusCancelled}
		}

		cell := spec.CellByName(currentName)
		if cell == nil {
			err := fmt.Errorf("runner: route_to named unknown cell %q", currentName)
			r.fail(sessionID, err)
			return Outcome{SessionID: sessionID, Status: sessionstore.StatusError, Err: err}
		}

		cellSequence = append(cellSequence, cell.Name)

		if err := r.Sessions.UpdateStatus(sessionID, sessionstore.StatusRunning, cell.Name); err != nil {
			return Outcome{SessionID: sessionID, Status: sessionstore.StatusError, Err: err}
		}

		r.Hub.Publish(hub.Event{Kind: hub.EventCellStart, SessionID: sessionID, CascadeID: spec.CascadeID, Cell: cell.Name})
		started := time.Now()

		result, err := r.Machine.RunCell(ctx, sessionID, cell, tmplCtx, db, r.Client, prior)
		if err != nil {
			r.fail(sessionID, err)
			return Outcome{SessionID: sessionID, Status: sessionstore.StatusError, Err: err}
		}

		duration := time.Since(started).Milliseconds()
		r.logCellComplete(sessionID, spec.CascadeID, cell.Name, result, duration, callerID)

		if blocked, err := r.checkCostGuard(sessionID); err != nil {
			return Outcome{SessionID: sessionID, Status: sessionstore.StatusError, Err: err}
		} else if blocked {
			return Outcome{SessionID: sessionID, Status: sessionstore.StatusBlocked}
		}

		switch result.Result.Route {
		case cascade.RouteRejected:
			r.fail(sessionID, result.Result.Err)
			r.Hub.Publish(hub.Event{Kind: hub.EventCascadeError, SessionID: sessionID, CascadeID: spec.CascadeID, Cell: cell.Name,
				Payload: map[string]any{"error": result.Result.ErrText}})
			return Outcome{SessionID: sessionID, Status: sessionstore.StatusError, Err: result.Result.Err}

		case cascade.RouteHandoff:
			tmplCtx.Outputs.Set(cell.Name, result.Result.Value)
			if cell.State != "" {
				tmplCtx.State[cell.State] = result.Result.Value
			}
			currentName = result.Result.RouteTo
			continue

		default: // RouteContinue
			tmplCtx.Outputs.Set(cell.Name, result.Result.Value)
			if cell.State != "" {
				tmplCtx.State[cell.State] = result.Result.Value
			}
			next := spec.CellAfter(cell.Name)
			if next == nil {
				return r.complete(sessionID, spec.CascadeID, tmplCtx, cellSequence)
			}
			currentName = next.Name
		}
	}

	err := fmt.Errorf("runner: cascade %s exceeded %d cell steps (likely a route_to cycle)", spec.CascadeID, maxCellSteps)
	r.fail(sessionID, err)
	return Outcome{SessionID: sessionID, Status: sessionstore.StatusError, Err: err}
}

// checkCostGuard reports whether the session just crossed MaxCostUSD and,
// if so, marks it blocked(signal) pending an operator decision.
func (r *Runner) checkCostGuard(sessionID string) (bool, error) {
	if r.MaxCostUSD <= 0 || r.CostLookup == nil {
		return false, nil
	}
	cost, err := r.CostLookup(sessionID)
	if err != nil {
		return false, fmt.Errorf("runner: cost guard lookup: %w", err)
	}
	if cost < r.MaxCostUSD {
		return false, nil
	}
	if err := r.Sessions.MarkBlocked(sessionID, sessionstore.BlockedSignal, fmt.Sprintf("cumulative cost $%.4f reached ceiling $%.4f", cost, r.MaxCostUSD)); err != nil {
		return false, fmt.Errorf("runner: mark blocked: %w", err)
	}
	r.Hub.Publish(hub.Event{Kind: hub.EventAudibleSignal, SessionID: sessionID,
		Payload: map[string]any{"reason": "cost_ceiling_reached", "cost_usd": cost}})
	return true, nil
}

// checkCancellation reports whether a caller has requested cancellation
// (via the web surface's POST /session/:id/cancel) since the last cell
// boundary, finalizing the session to cancelled if so. Cancellation is
// cooperative: it only takes effect between cells, never mid-turn.
func (r *Runner) checkCancellation(sessionID string) (bool, error) {
	sess, err := r.Sessions.Get(sessionID)
	if err != nil {
		return false, fmt.Errorf("runner: cancellation check: %w", err)
	}
	if !sess.CancelRequested {
		return false, nil
	}
	reason := "cancelled"
	if sess.CancelReason != nil && *sess.CancelReason != "" {
		reason = *sess.CancelReason
	}
	if err := r.Sessions.Cancel(sessionID, reason); err != nil {
		return false, fmt.Errorf("runner: finalize cancellation: %w", err)
	}
	r.Hub.Publish(hub.Event{Kind: hub.EventCascadeError, SessionID: sessionID, CascadeID: "",
		Payload: map[string]any{"cancelled": true, "reason": reason}})
	return true, nil
}

func (r *Runner) complete(sessionID, cascadeID string, tmplCtx *cascade.Context, cellSequence []string) Outcome {
	outputJSON, _ := json.Marshal(tmplCtx.Outputs)
	if err := r.Sessions.Complete(sessionID, outputJSON); err != nil {
		return Outcome{SessionID: sessionID, Status: sessionstore.StatusError, Err: err}
	}
	if r.Snapshots != nil {
		genusHash := cascade.GenusHash(cascadeID, cellSequence)
		if err := r.Snapshots.WriteSnapshot(sessionID, genusHash, tmplCtx.Input, tmplCtx.Outputs); err != nil {
			return Outcome{SessionID: sessionID, Status: sessionstore.StatusError, Err: fmt.Errorf("runner: write snapshot: %w", err)}
		}
	}
	r.Hub.Publish(hub.Event{Kind: hub.EventCascadeComplete, SessionID: sessionID, CascadeID: cascadeID})
	return Outcome{SessionID: sessionID, Status: sessionstore.StatusCompleted, Output: outputJSON}
}

func (r *Runner) fail(sessionID string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	_ = r.Sessions.Fail(sessionID, msg)
}

// logCellComplete appends the full set of granular rows one cell's
// execution produces (spec §4.10's node-type vocabulary): a root `cell`
// row carrying the has_takes metadata invariant §8.1 depends on plus a
// handoffs entry when route_to named a target (spec §8 invariant 7), a
// turn_output row per turn interleaved with any validation-retry rounds,
// every pre/post ward verdict, dispatched tool calls, the
// takes/evaluator/reforge record when the cell sounded more than one
// attempt, and finally `cell_complete` — all parented to the root row so
// they reconstruct as one tree from (trace_id, parent_id).
func (r *Runner) logCellComplete(sessionID, cascadeID, cell string, result *cellmachine.CellRunResult, durationMS int64, callerID string) {
	w := taggedWriter{w: r.Log, callerID: callerID}
	cellTraceID := uuid.NewString()
	metaFields := map[string]any{"has_takes": result.Takes != nil}
	if result.Result.Route == cascade.RouteHandoff && result.Result.RouteTo != "" {
		metaFields["handoffs"] = []string{result.Result.RouteTo}
	}
	metadata, _ := json.Marshal(metaFields)
	_ = w.Append(logstore.Row{
		TimestampUS:  time.Now().UnixMicro(),
		SessionID:    sessionID,
		TraceID:      cellTraceID,
		NodeType:     logstore.NodeCell,
		PhaseName:    cell,
		CascadeID:    cascadeID,
		MetadataJSON: string(metadata),
	})

	for _, outcome := range result.PreWards {
		logWard(w, sessionID, cascadeID, cell, cellTraceID, logstore.NodePreWard, outcome)
	}
	// Turn outputs and validation retries interleave round by round: each
	// retried round's turns are followed by the failing ward that forced
	// the retry (spec §8 scenario 3), with the final round's turns
	// followed by its (passing) post wards below.
	for i, round := range result.TurnOutputs {
		for _, to := range round {
			logTurnOutput(w, sessionID, cascadeID, cell, cellTraceID, to)
		}
		if i < len(result.ValidationRetries) {
			logValidationRetry(w, sessionID, cascadeID, cell, cellTraceID, result.ValidationRetries[i])
		}
	}
	for _, outcome := range result.PostWards {
		logWard(w, sessionID, cascadeID, cell, cellTraceID, logstore.NodePostWard, outcome)
	}
	for _, tc := range result.ToolCalls {
		logToolCall(w, sessionID, cascadeID, cell, cellTraceID, tc)
	}
	if result.Takes != nil {
		logTakes(w, sessionID, cascadeID, cell, cellTraceID, result.Takes)
	}

	content := ""
	if result.Result.Value != nil {
		if s, ok := result.Result.Value.(string); ok {
			content = s
		} else if b, err := json.Marshal(result.Result.Value); err == nil {
			content = string(b)
		}
	}

	row := logstore.Row{
		TimestampUS: time.Now().UnixMicro(),
		SessionID:   sessionID,
		TraceID:     uuid.NewString(),
		ParentID:    &cellTraceID,
		NodeType:    logstore.NodeCellComplete,
		PhaseName:   cell,
		CascadeID:   cascadeID,
		Content:     content,
		DurationMS:  &durationMS,
		ContentHash: cascade.ContentHashHex(result.Result.Value),
	}
	_ = w.Append(row)

	r.Hub.Publish(hub.Event{
		Kind:      hub.EventCellComplete,
		SessionID: sessionID,
		CascadeID: cascadeID,
		Cell:      cell,
		Payload:   map[string]any{"route": string(result.Result.Route), "duration_ms": durationMS},
	})
}

// taggedWriter sets CallerID on every row it forwards to the underlying
// Writer, letting a single sub-cascade invocation (e.g. rvbbit_cascade)
// tag its whole log tree without threading callerID through every
// logstore.Writer implementation.
type taggedWriter struct {
	w        logstore.Writer
	callerID string
}

func (t taggedWriter) Append(row logstore.Row) error {
	if t.callerID != "" {
		row.CallerID = &t.callerID
	}
	return t.w.Append(row)
}

func (t taggedWriter) UpdateCost(traceID string, u logstore.CostUpdate) error {
	return t.w.UpdateCost(traceID, u)
}

func logWard(w logstore.Writer, sessionID, cascadeID, cell, parent string, nodeType logstore.NodeType, outcome cellmachine.WardOutcome) {
	meta, _ := json.Marshal(map[string]any{"ward": outcome.Ward.Name, "mode": outcome.Ward.Mode, "valid": outcome.Passed})
	_ = w.Append(logstore.Row{
		TimestampUS:  time.Now().UnixMicro(),
		SessionID:    sessionID,
		TraceID:      uuid.NewString(),
		ParentID:     &parent,
		NodeType:     nodeType,
		PhaseName:    cell,
		CascadeID:    cascadeID,
		Content:      outcome.Reason,
		MetadataJSON: string(meta),
	})
}

// logTurnOutput appends one turn_output row carrying the assistant
// content produced by a single turn of the turn loop (spec §4.8.1 step 3),
// the unified log's source of truth for turn-level events.
func logTurnOutput(w logstore.Writer, sessionID, cascadeID, cell, parent string, to cellmachine.TurnOutput) {
	turnNumber := to.TurnNumber
	_ = w.Append(logstore.Row{
		TimestampUS: time.Now().UnixMicro(),
		SessionID:   sessionID,
		TraceID:     uuid.NewString(),
		ParentID:    &parent,
		NodeType:    logstore.NodeTurnOutput,
		PhaseName:   cell,
		CascadeID:   cascadeID,
		TurnNumber:  &turnNumber,
		Content:     to.Content,
		ContentHash: cascade.ContentHashHex(to.Content),
	})
}

func logValidationRetry(w logstore.Writer, sessionID, cascadeID, cell, parent string, outcome cellmachine.WardOutcome) {
	meta, _ := json.Marshal(map[string]any{"ward": outcome.Ward.Name})
	_ = w.Append(logstore.Row{
		TimestampUS:  time.Now().UnixMicro(),
		SessionID:    sessionID,
		TraceID:      uuid.NewString(),
		ParentID:     &parent,
		NodeType:     logstore.NodeValidationRetry,
		PhaseName:    cell,
		CascadeID:    cascadeID,
		Content:      outcome.Reason,
		MetadataJSON: string(meta),
	})
}

func logToolCall(w logstore.Writer, sessionID, cascadeID, cell, parent string, tc cellmachine.ToolCallLog) {
	callTraceID := uuid.NewString()
	toolCallsJSON, _ := json.Marshal(tc.ToolCall)
	_ = w.Append(logstore.Row{
		TimestampUS:   time.Now().UnixMicro(),
		SessionID:     sessionID,
		TraceID:       callTraceID,
		ParentID:      &parent,
		NodeType:      logstore.NodeToolCall,
		PhaseName:     cell,
		CascadeID:     cascadeID,
		Content:       tc.Args,
		ToolCallsJSON: string(toolCallsJSON),
	})
	_ = w.Append(logstore.Row{
		TimestampUS: time.Now().UnixMicro(),
		SessionID:   sessionID,
		TraceID:     uuid.NewString(),
		ParentID:    &callTraceID,
		NodeType:    logstore.NodeToolResult,
		PhaseName:   cell,
		CascadeID:   cascadeID,
		Content:     tc.Result,
	})
}

// logTakes appends one sounding_attempt (or sounding_error) row per
// attempt with is_winner set on exactly the evaluator's pick, the
// evaluator row itself, one reforge_attempt row per reforge attempt, and
// one reforge_step row per reforge round — satisfying §8 invariant 2 ("exactly one row with
// is_winner=true ... for that cell") and the ordering guarantee that
// every sounding_attempt row precedes its cell's evaluator row, which
// precedes any reforge_step row.
func logTakes(w logstore.Writer, sessionID, cascadeID, cell, parent string, t *cellmachine.TakesOutcome) {
	for i, a := range t.Attempts {
		takeIdx := i
		nodeType := logstore.NodeSoundingAttempt
		content := a.Content
		var isWinner *bool
		if a.Err != nil {
			nodeType = logstore.NodeSoundingError
			content = a.Err.Error()
		} else {
			won := i == t.WinnerIndex
			isWinner = &won
		}
		takeTraceID := uuid.NewString()
		_ = w.Append(logstore.Row{
			TimestampUS: time.Now().UnixMicro(),
			SessionID:   sessionID,
			TraceID:     takeTraceID,
			ParentID:    &parent,
			NodeType:    nodeType,
			PhaseName:   cell,
			CascadeID:   cascadeID,
			TakeIndex:   &takeIdx,
			Content:     content,
			IsWinner:    isWinner,
			ContentHash: cascade.ContentHashHex(a.Content),
		})
		for _, to := range a.TurnOutputs {
			logTurnOutput(w, sessionID, cascadeID, cell, takeTraceID, to)
		}
	}

	_ = w.Append(logstore.Row{
		TimestampUS: time.Now().UnixMicro(),
		SessionID:   sessionID,
		TraceID:     uuid.NewString(),
		ParentID:    &parent,
		NodeType:    logstore.NodeEvaluator,
		PhaseName:   cell,
		CascadeID:   cascadeID,
		Content:     t.EvaluatorNotes,
	})

	for roundIdx, round := range t.ReforgeRounds {
		reforgeStep := roundIdx
		for i, a := range round.Attempts {
			takeIdx := i
			content := a.Content
			var isWinner *bool
			if a.Err != nil {
				content = a.Err.Error()
			} else {
				won := i == round.WinnerIndex
				isWinner = &won
			}
			attemptTraceID := uuid.NewString()
			_ = w.Append(logstore.Row{
				TimestampUS: time.Now().UnixMicro(),
				SessionID:   sessionID,
				TraceID:     attemptTraceID,
				ParentID:    &parent,
				NodeType:    logstore.NodeReforgeAttempt,
				PhaseName:   cell,
				CascadeID:   cascadeID,
				ReforgeStep: &reforgeStep,
				TakeIndex:   &takeIdx,
				Content:     content,
				IsWinner:    isWinner,
			})
			for _, to := range a.TurnOutputs {
				logTurnOutput(w, sessionID, cascadeID, cell, attemptTraceID, to)
			}
		}
		_ = w.Append(logstore.Row{
			TimestampUS: time.Now().UnixMicro(),
			SessionID:   sessionID,
			TraceID:     uuid.NewString(),
			ParentID:    &parent,
			NodeType:    logstore.NodeReforgeStep,
			PhaseName:   cell,
			CascadeID:   cascadeID,
			ReforgeStep: &reforgeStep,
			Content:     round.EvaluatorNotes,
		})
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, sessionID string) {
	defer wg.Done()
	interval := r.Heartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Sessions.Heartbeat(sessionID)
		}
	}
}
