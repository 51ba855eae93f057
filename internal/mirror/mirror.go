// Package mirror is the in-memory live row store: the same row shape as
// the durable log, kept only for active sessions, with no secondary
// indices and a grace-period scavenger that evicts terminal sessions. It is a mutex-guarded map of slices, scanned
// linearly per session since session row counts are small and bounded by
// a single cascade run.
package mirror

import (
	"sync"
	"time"

	"github.com/cascadeforge/cascade/internal/logstore"
)

// Mirror implements logstore.Writer against an in-memory per-session row
// list, plus the query surface spec §5 names: get_session_rows, query,
// end_session, clear_session.
type Mirror struct {
	mu    sync.Mutex
	rows  map[string][]logstore.Row // session_id -> rows, insertion order
	ended map[string]time.Time      // session_id -> when it went terminal
	grace time.Duration
	now   func() time.Time
}

// New creates a Mirror with the given eviction grace period (spec §5
// default 30s).
func New(grace time.Duration) *Mirror {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Mirror{
		rows:  make(map[string][]logstore.Row),
		ended: make(map[string]time.Time),
		grace: grace,
		now:   time.Now,
	}
}

// Append inserts a row into its session's live list.
func (m *Mirror) Append(r logstore.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.SessionID] = append(m.rows[r.SessionID], r)
	return nil
}

// UpdateCost applies cost/usage to an existing row by trace id, inserting
// a fallback row if the row is not present — mirroring logstore.Store's
// same-interface fallback contract so callers can treat both Writers
// identically (spec §9 single writer abstraction).
func (m *Mirror) UpdateCost(traceID string, u logstore.CostUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sid, rows := range m.rows {
		for i, r := range rows {
			if r.TraceID == traceID {
				rows[i].TokensIn = &u.TokensIn
				rows[i].TokensOut = &u.TokensOut
				rows[i].TokensReasoning = &u.TokensReasoning
				rows[i].CostUSD = &u.CostUSD
				m.rows[sid] = rows
				return nil
			}
		}
	}
	fallback := logstore.Row{
		TraceID:   traceID,
		NodeType:  logstore.NodeCostUpdate,
		TokensIn:  &u.TokensIn,
		TokensOut: &u.TokensOut,
		CostUSD:   &u.CostUSD,
	}
	m.rows[""] = append(m.rows[""], fallback)
	return nil
}

// GetSessionRows returns every row currently mirrored for a session, in
// insertion order.
func (m *Mirror) GetSessionRows(sessionID string) []logstore.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.rows[sessionID]
	out := make([]logstore.Row, len(rows))
	copy(out, rows)
	return out
}

// Query returns rows across every mirrored session matching pred, in no
// particular cross-session order. This is the mirror's equivalent of the
// log store's Query, scoped to whatever is still live.
func (m *Mirror) Query(pred func(logstore.Row) bool) []logstore.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []logstore.Row
	for _, rows := range m.rows {
		for _, r := range rows {
			if pred == nil || pred(r) {
				out = append(out, r)
			}
		}
	}
	return out
}

// ByCascade returns every mirrored row for a given cascade id, across all
// of that cascade's sessions.
func (m *Mirror) ByCascade(cascadeID string) []logstore.Row {
	return m.Query(func(r logstore.Row) bool { return r.CascadeID == cascadeID })
}

// ByPhase returns every mirrored row for a given (session, phase) pair.
func (m *Mirror) ByPhase(sessionID, phase string) []logstore.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []logstore.Row
	for _, r := range m.rows[sessionID] {
		if r.PhaseName == phase {
			out = append(out, r)
		}
	}
	return out
}

// EndSession marks a session terminal: its rows remain queryable for the
// mirror's grace period, after which Scavenge evicts them.
func (m *Mirror) EndSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[sessionID] = m.now()
}

// ClearSession immediately evicts a session's rows, bypassing the grace
// period (used for explicit cancellation cleanup).
func (m *Mirror) ClearSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, sessionID)
	delete(m.ended, sessionID)
}

// Scavenge evicts every session that has been terminal for longer than the
// mirror's grace period. Intended to run periodically from a background
// goroutine owned by the caller.
func (m *Mirror) Scavenge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for sid, endedAt := range m.ended {
		if now.Sub(endedAt) > m.grace {
			delete(m.rows, sid)
			delete(m.ended, sid)
		}
	}
}
