package logstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndQuery(t *testing.T) {
	s := openTestStore(t)

	row := Row{
		TimestampUS: 1000,
		SessionID:   "sess-1",
		TraceID:     "trace-1",
		NodeType:    NodeCellComplete,
		CascadeID:   "demo",
		Content:     "hello",
	}
	if err := s.Append(row); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rows, err := s.Query("sess-1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0].TraceID != "trace-1" {
		t.Fatalf("TraceID = %q, want trace-1", rows[0].TraceID)
	}
}

func TestAppendRejectsDuplicateTraceID(t *testing.T) {
	s := openTestStore(t)
	row := Row{TimestampUS: 1, SessionID: "s", TraceID: "dup", NodeType: NodeCell}
	if err := s.Append(row); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := s.Append(row); err == nil {
		t.Fatalf("expected error for duplicate trace_id")
	}
}

func TestUpdateCostExistingRow(t *testing.T) {
	s := openTestStore(t)
	row := Row{TimestampUS: 1, SessionID: "s", TraceID: "t1", NodeType: NodeTurnOutput}
	if err := s.Append(row); err != nil {
		t.Fatalf("Append: %v", err)
	}
	u := CostUpdate{TokensIn: 10, TokensOut: 20, CostUSD: 0.05}
	if err := s.UpdateCost("t1", u); err != nil {
		t.Fatalf("UpdateCost: %v", err)
	}

	rows, err := s.Query("s")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if rows[0].CostUSD == nil || *rows[0].CostUSD != 0.05 {
		t.Fatalf("CostUSD not updated: %+v", rows[0])
	}
}

func TestUpdateCostFallbackInsertsRow(t *testing.T) {
	s := openTestStore(t)
	u := CostUpdate{TokensIn: 1, TokensOut: 2, CostUSD: 0.01}
	if err := s.UpdateCost("never-inserted", u); err != nil {
		t.Fatalf("UpdateCost: %v", err)
	}
	rows, err := s.Query("")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	found := false
	for _, r := range rows {
		if r.TraceID == "never-inserted" && r.NodeType == NodeCostUpdate {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fallback cost_update row to be inserted")
	}
}

func TestWriteSnapshotUpsert(t *testing.T) {
	s := openTestStore(t)
	if err := s.WriteSnapshot("sess-1", "hash-a", map[string]any{"x": 1}, map[string]any{"y": 2}); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if err := s.WriteSnapshot("sess-1", "hash-b", map[string]any{"x": 2}, map[string]any{"y": 3}); err != nil {
		t.Fatalf("WriteSnapshot (update): %v", err)
	}
}

func TestReconcilerAppliesCostOnSuccess(t *testing.T) {
	s := openTestStore(t)
	row := Row{TimestampUS: 1, SessionID: "s", TraceID: "rt1", NodeType: NodeTurnOutput}
	if err := s.Append(row); err != nil {
		t.Fatalf("Append: %v", err)
	}

	calls := 0
	fetch := func(ctx context.Context, providerRequestID string) (CostUpdate, error) {
		calls++
		if calls < 2 {
			return CostUpdate{}, ErrCostNotYetReported
		}
		return CostUpdate{TokensIn: 5, TokensOut: 6, CostUSD: 0.02}, nil
	}

	var gotEvent bool
	r := NewReconciler(s, fetch, 2, func(sessionID, traceID string, u CostUpdate) {
		gotEvent = true
	})
	r.Enqueue("s", "rt1", "req-1")
	r.Wait()

	if !gotEvent {
		t.Fatalf("expected onEvent callback to fire")
	}
	rows, err := s.Query("s")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if rows[0].CostUSD == nil || *rows[0].CostUSD != 0.02 {
		t.Fatalf("expected cost applied, got %+v", rows[0])
	}
}

func TestReconcilerLeavesNullOnHardError(t *testing.T) {
	s := openTestStore(t)
	row := Row{TimestampUS: 1, SessionID: "s", TraceID: "rt2", NodeType: NodeTurnOutput}
	if err := s.Append(row); err != nil {
		t.Fatalf("Append: %v", err)
	}

	fetch := func(ctx context.Context, providerRequestID string) (CostUpdate, error) {
		return CostUpdate{}, context.DeadlineExceeded
	}
	r := NewReconciler(s, fetch, 1, nil)
	r.Enqueue("s", "rt2", "req-2")
	r.Wait()

	rows, err := s.Query("s")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if rows[0].CostUSD != nil {
		t.Fatalf("expected cost to remain null, got %v", *rows[0].CostUSD)
	}
}

func TestFanOutForwardsToAllWriters(t *testing.T) {
	s1 := openTestStore(t)
	s2 := openTestStore(t)
	fo := FanOut(s1, s2)

	row := Row{TimestampUS: 1, SessionID: "s", TraceID: "fo1", NodeType: NodeCell}
	if err := fo.Append(row); err != nil {
		t.Fatalf("fanout Append: %v", err)
	}

	r1, _ := s1.Query("s")
	r2, _ := s2.Query("s")
	if len(r1) != 1 || len(r2) != 1 {
		t.Fatalf("expected both writers to receive the row, got %d and %d", len(r1), len(r2))
	}
}
