package sqlbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cascadeforge/cascade/internal/sessiondb"
	"github.com/google/uuid"
)

// CascadeRunner is the subset of the cascade runner the bridge depends on:
// run a named cascade (or a synthetic one-cell cascade, for rvbbit's
// scalar form) against input, tagging every resulting log row with
// callerID so per-SQL-call cost can be reconstructed against the
// originating caller.
type CascadeRunner interface {
	RunCascade(ctx context.Context, callerID, cascadeIDOrPath string, input map[string]any) (json.RawMessage, error)
	RunInlineCell(ctx context.Context, callerID, instructions string, inputValue any) (string, error)
}

// Bridge evaluates rvbbit/rvbbit_cascade calls found in a query's text and
// drives THEN-stage pipelines over query results. It registers no UDFs
// with the database connection.
type Bridge struct {
	Runner        CascadeRunner
	Cache         *ResultCache
	StructureArgs map[string]bool // which rvbbit/rvbbit_cascade arg names hash by structure
}

// NewBridge constructs a Bridge with json_args and input_value treated as
// structure keys by default, for result caching.
func NewBridge(runner CascadeRunner) *Bridge {
	return &Bridge{
		Runner:        runner,
		Cache:         &ResultCache{},
		StructureArgs: map[string]bool{"json_args": true, "input_value": true},
	}
}

// Scalar implements rvbbit(instructions, input_value) -> scalar (spec
// §4.11). callerID is shared by every row of one SQL statement.
func (b *Bridge) Scalar(ctx context.Context, callerID, instructions string, inputValue any) (string, error) {
	inputJSON, err := json.Marshal(inputValue)
	if err != nil {
		return "", fmt.Errorf("sqlbridge: marshal input_value: %w", err)
	}
	key := CacheKey("rvbbit", map[string]json.RawMessage{
		"instructions": json.RawMessage(mustQuoteJSON(instructions)),
		"input_value":  inputJSON,
	}, b.StructureArgs)

	v, err := b.Cache.Get(key, func() (any, error) {
		return b.Runner.RunInlineCell(ctx, callerID, instructions, inputValue)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Cascade implements rvbbit_cascade(cascade_id_or_path, json_args) -> json.
func (b *Bridge) Cascade(ctx context.Context, callerID, cascadeIDOrPath string, jsonArgs json.RawMessage) (json.RawMessage, error) {
	key := CacheKey("rvbbit_cascade", map[string]json.RawMessage{
		"cascade_id_or_path": json.RawMessage(mustQuoteJSON(cascadeIDOrPath)),
		"json_args":          jsonArgs,
	}, b.StructureArgs)

	v, err := b.Cache.Get(key, func() (any, error) {
		var input map[string]any
		if err := json.Unmarshal(jsonArgs, &input); err != nil {
			return nil, fmt.Errorf("sqlbridge: unmarshal json_args: %w", err)
		}
		return b.Runner.RunCascade(ctx, callerID, cascadeIDOrPath, input)
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func mustQuoteJSON(s string) []byte {
	data, _ := json.Marshal(s)
	return data
}

// Stage is one pre-registered pipeline stage's binding: its recognized
// name (ANALYZE/FILTER/ENRICH/SPEAK/...) and the cascade it invokes.
type Stage struct {
	Name      string
	CascadeID string
}

// Registry maps pipeline stage names to their bound, pre-registered
// cascades.
type Registry struct {
	stages map[string]Stage
}

// NewRegistry builds a stage registry with the base stage set.
func NewRegistry() *Registry {
	r := &Registry{stages: make(map[string]Stage)}
	for _, name := range []string{"ANALYZE", "FILTER", "ENRICH", "SPEAK"} {
		r.stages[name] = Stage{Name: name}
	}
	return r
}

// Bind associates a stage name with the cascade it runs.
func (r *Registry) Bind(name, cascadeID string) {
	r.stages[name] = Stage{Name: name, CascadeID: cascadeID}
}

// Resolve returns the bound stage, or an error if unrecognized/unbound.
func (r *Registry) Resolve(name string) (Stage, error) {
	s, ok := r.stages[name]
	if !ok {
		return Stage{}, fmt.Errorf("sqlbridge: unrecognized pipeline stage %q", name)
	}
	if s.CascadeID == "" {
		return Stage{}, fmt.Errorf("sqlbridge: pipeline stage %q has no bound cascade", name)
	}
	return s, nil
}

// PipelineStageError names the stage index/name a pipeline failed at,
// so a pipeline error surfaces which stage it originated from.
type PipelineStageError struct {
	Index int
	Stage string
	Err   error
}

func (e *PipelineStageError) Error() string {
	return fmt.Sprintf("sqlbridge: pipeline stage %d (%s): %v", e.Index, e.Stage, e.Err)
}

func (e *PipelineStageError) Unwrap() error { return e.Err }

// PipelineStep is one parsed "THEN <STAGE> [args] [INTO <table>]" clause.
type PipelineStep struct {
	Stage    string
	Args     string
	IntoName string
}

// RunPipeline serializes the current rows as the "data" field of a JSON
// object (with the step's arguments under "args"), runs each step's bound
// cascade under a fresh caller id, deserializes the result (an array of rows, or the "data"
// field of an object), and materializes an INTO clause's result into a
// named temp table in db.
func (b *Bridge) RunPipeline(ctx context.Context, db *sessiondb.DB, reg *Registry, steps []PipelineStep, initial []map[string]any) ([]map[string]any, error) {
	current := initial
	for i, step := range steps {
		stage, err := reg.Resolve(step.Stage)
		if err != nil {
			return nil, &PipelineStageError{Index: i, Stage: step.Stage, Err: err}
		}

		payload := map[string]any{"data": current, "args": step.Args}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return nil, &PipelineStageError{Index: i, Stage: step.Stage, Err: err}
		}

		callerID := uuid.NewString()
		resultJSON, err := b.Cascade(ctx, callerID, stage.CascadeID, payloadJSON)
		if err != nil {
			return nil, &PipelineStageError{Index: i, Stage: step.Stage, Err: err}
		}

		rows, err := deserializeStageResult(resultJSON)
		if err != nil {
			return nil, &PipelineStageError{Index: i, Stage: step.Stage, Err: err}
		}
		current = rows

		if step.IntoName != "" {
			cols, matRows := rowsToTable(rows)
			if err := db.MaterializeTable(step.IntoName, cols, matRows); err != nil {
				return nil, &PipelineStageError{Index: i, Stage: step.Stage, Err: err}
			}
		}
	}
	return current, nil
}

// deserializeStageResult accepts either a JSON array of row objects, or
// an object whose "data" field holds that array.
func deserializeStageResult(raw json.RawMessage) ([]map[string]any, error) {
	var asArray []map[string]any
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return asArray, nil
	}

	var asObject struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, fmt.Errorf("sqlbridge: stage result is neither a row array nor an object with a data field: %w", err)
	}
	return asObject.Data, nil
}

func rowsToTable(rows []map[string]any) ([]string, [][]any) {
	colSet := make(map[string]bool)
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !colSet[k] {
				colSet[k] = true
				cols = append(cols, k)
			}
		}
	}
	out := make([][]any, len(rows))
	for i, row := range rows {
		vals := make([]any, len(cols))
		for j, c := range cols {
			vals[j] = row[c]
		}
		out[i] = vals
	}
	return cols, out
}
