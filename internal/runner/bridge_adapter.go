package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cascadeforge/cascade/internal/cascade"
	"github.com/cascadeforge/cascade/internal/sessionstore"
	"github.com/google/uuid"
)

// CascadeResolver resolves a cascade_id or file path to its Spec, the
// subset of *cascade.Registry the bridge adapter needs.
type CascadeResolver interface {
	Resolve(cascadeIDOrPath string) (*cascade.Spec, error)
}

// BridgeAdapter implements sqlbridge.CascadeRunner over a Runner, so a
// SQL cell's rvbbit/rvbbit_cascade calls (spec §4.11) run as ordinary
// sub-cascade sessions: rvbbit_cascade resolves and runs a named
// cascade synchronously; rvbbit synthesizes a one-cell ad hoc cascade
// from its instructions and returns the resulting text. Every row
// either produces is tagged with the caller's id via RunForCaller.
type BridgeAdapter struct {
	Run      *Runner
	Resolver CascadeResolver
}

// NewBridgeAdapter constructs a BridgeAdapter.
func NewBridgeAdapter(run *Runner, resolver CascadeResolver) *BridgeAdapter {
	return &BridgeAdapter{Run: run, Resolver: resolver}
}

// RunCascade resolves cascadeIDOrPath and runs it synchronously to
// completion against input, returning its final outputs as JSON.
func (a *BridgeAdapter) RunCascade(ctx context.Context, callerID, cascadeIDOrPath string, input map[string]any) (json.RawMessage, error) {
	spec, err := a.Resolver.Resolve(cascadeIDOrPath)
	if err != nil {
		return nil, fmt.Errorf("runner: resolve cascade %q: %w", cascadeIDOrPath, err)
	}

	outcome := a.Run.RunForCaller(ctx, "", spec, input, 0, callerID)
	if outcome.Err != nil {
		return nil, fmt.Errorf("runner: sub-cascade %s: %w", cascadeIDOrPath, outcome.Err)
	}
	if outcome.Status != sessionstore.StatusCompleted {
		return nil, fmt.Errorf("runner: sub-cascade %s ended in status %s", cascadeIDOrPath, outcome.Status)
	}
	return outcome.Output, nil
}

// RunInlineCell synthesizes a single-cell ad hoc cascade from
// instructions and runs it, returning its rendered text output.
func (a *BridgeAdapter) RunInlineCell(ctx context.Context, callerID, instructions string, inputValue any) (string, error) {
	const cellName = "inline"
	spec := &cascade.Spec{
		CascadeID: "inline-" + uuid.NewString(),
		Cells:     []cascade.Cell{{Name: cellName, Instructions: instructions}},
	}
	input := map[string]any{"value": inputValue}

	outcome := a.Run.RunForCaller(ctx, "", spec, input, 0, callerID)
	if outcome.Err != nil {
		return "", fmt.Errorf("runner: inline cell: %w", outcome.Err)
	}
	if outcome.Status != sessionstore.StatusCompleted {
		return "", fmt.Errorf("runner: inline cell ended in status %s", outcome.Status)
	}

	var outputs map[string]json.RawMessage
	if err := json.Unmarshal(outcome.Output, &outputs); err != nil {
		return "", fmt.Errorf("runner: inline cell: unmarshal outputs: %w", err)
	}
	raw, ok := outputs[cellName]
	if !ok {
		return "", fmt.Errorf("runner: inline cell: no output for %q", cellName)
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	return string(raw), nil
}
