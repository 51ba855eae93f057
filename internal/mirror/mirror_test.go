package mirror

import (
	"testing"
	"time"

	"github.com/cascadeforge/cascade/internal/logstore"
)

func TestAppendAndGetSessionRows(t *testing.T) {
	m := New(time.Second)
	_ = m.Append(logstore.Row{SessionID: "s1", TraceID: "t1", CascadeID: "demo"})
	_ = m.Append(logstore.Row{SessionID: "s1", TraceID: "t2", CascadeID: "demo"})
	_ = m.Append(logstore.Row{SessionID: "s2", TraceID: "t3", CascadeID: "demo"})

	rows := m.GetSessionRows("s1")
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
}

func TestUpdateCostAppliesToExistingRow(t *testing.T) {
	m := New(time.Second)
	_ = m.Append(logstore.Row{SessionID: "s1", TraceID: "t1"})

	if err := m.UpdateCost("t1", logstore.CostUpdate{TokensIn: 1, TokensOut: 2, CostUSD: 0.5}); err != nil {
		t.Fatalf("UpdateCost: %v", err)
	}
	rows := m.GetSessionRows("s1")
	if rows[0].CostUSD == nil || *rows[0].CostUSD != 0.5 {
		t.Fatalf("expected cost applied, got %+v", rows[0])
	}
}

func TestUpdateCostFallbackInsert(t *testing.T) {
	m := New(time.Second)
	if err := m.UpdateCost("missing", logstore.CostUpdate{CostUSD: 1}); err != nil {
		t.Fatalf("UpdateCost: %v", err)
	}
	rows := m.Query(func(r logstore.Row) bool { return r.TraceID == "missing" })
	if len(rows) != 1 {
		t.Fatalf("expected fallback row inserted, got %d", len(rows))
	}
}

func TestByCascadeAndByPhase(t *testing.T) {
	m := New(time.Second)
	_ = m.Append(logstore.Row{SessionID: "s1", TraceID: "t1", CascadeID: "demo", PhaseName: "extract"})
	_ = m.Append(logstore.Row{SessionID: "s1", TraceID: "t2", CascadeID: "demo", PhaseName: "summarize"})
	_ = m.Append(logstore.Row{SessionID: "s2", TraceID: "t3", CascadeID: "other", PhaseName: "extract"})

	if got := m.ByCascade("demo"); len(got) != 2 {
		t.Fatalf("ByCascade(demo) = %d rows, want 2", len(got))
	}
	if got := m.ByPhase("s1", "extract"); len(got) != 1 {
		t.Fatalf("ByPhase(s1, extract) = %d rows, want 1", len(got))
	}
}

func TestScavengeEvictsAfterGracePeriod(t *testing.T) {
	m := New(30 * time.Second)
	fakeNow := time.Now()
	m.now = func() time.Time { return fakeNow }

	_ = m.Append(logstore.Row{SessionID: "s1", TraceID: "t1"})
	m.EndSession("s1")

	m.Scavenge()
	if len(m.GetSessionRows("s1")) != 1 {
		t.Fatalf("expected rows to survive before grace period elapses")
	}

	fakeNow = fakeNow.Add(31 * time.Second)
	m.Scavenge()
	if len(m.GetSessionRows("s1")) != 0 {
		t.Fatalf("expected rows evicted after grace period")
	}
}

func TestClearSessionIsImmediate(t *testing.T) {
	m := New(time.Hour)
	_ = m.Append(logstore.Row{SessionID: "s1", TraceID: "t1"})
	m.EndSession("s1")
	m.ClearSession("s1")

	if len(m.GetSessionRows("s1")) != 0 {
		t.Fatalf("expected ClearSession to evict immediately")
	}
}
