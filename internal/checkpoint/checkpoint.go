// Package checkpoint implements the human-in-the-loop blocking primitive:
// a cell suspends on a checkpoint until a UI writes a response, a timeout
// fires, or the session is cancelled.
package checkpoint

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

// Type is the checkpoint's interaction shape.
type Type string

const (
	TypeConfirmation Type = "confirmation"
	TypeChoice       Type = "choice"
	TypeMultiChoice  Type = "multi_choice"
	TypeRating       Type = "rating"
	TypeText         Type = "text"
	TypeForm         Type = "form"
	TypeReview       Type = "review"
	TypeAuto         Type = "auto"
	TypeHTMX         Type = "htmx"
	TypeAudible      Type = "audible"
	TypeSoundingEval Type = "sounding_eval"
)

// Status is a checkpoint's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResponded Status = "responded"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

var (
	ErrNotFound    = errors.New("checkpoint: not found")
	ErrNotPending  = errors.New("checkpoint: not pending")
	ErrWaitTimeout = errors.New("checkpoint: wait timed out")
)

// Checkpoint is a single HITL request, persisted for the life of the session.
type Checkpoint struct {
	ID               string
	SessionID        string
	CascadeID        string
	Cell             string
	Type             Type
	Status           Status
	CreatedAt        time.Time
	RespondedAt      *time.Time
	TimeoutAt        *time.Time
	UISpec           json.RawMessage
	CellOutput       string
	CandidateOutputs json.RawMessage
	Response         json.RawMessage
	Reasoning        *string
	Confidence       *float64
	Winner           *string
	Rankings         json.RawMessage
	ScreenshotRef    *string
	CancelReason     *string
}

// Response is the payload a UI submits to resolve a checkpoint.
type Response struct {
	Value         json.RawMessage
	Reasoning     *string
	Confidence    *float64
	Winner        *string
	Rankings      json.RawMessage
	ScreenshotRef *string
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// waiter is the synchronization primitive a producing cell parks on.
// Closing done wakes every Wait call for that checkpoint id.
type waiter struct {
	done chan struct{}
}

// Manager owns pending checkpoints and the per-session audible signal.
// Passed explicitly into the runner and cell machine rather than reached
// through a global — each caller gets its own handle constructed with New.
type Manager struct {
	conn *sql.DB

	mu      sync.Mutex
	waiters map[string]*waiter
	audible map[string]bool
}

// New opens (creating if necessary) the checkpoint store at path and
// migrates it to the latest schema.
func New(path string) (*Manager, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("checkpoint: set dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return &Manager{
		conn:    conn,
		waiters: make(map[string]*waiter),
		audible: make(map[string]bool),
	}, nil
}

// Close releases the underlying database handle.
func (m *Manager) Close() error {
	return m.conn.Close()
}

const checkpointColumns = `id, session_id, cascade_id, cell, type, status, created_at, responded_at,
	timeout_at, ui_spec, cell_output, candidate_outputs, response, reasoning,
	confidence, winner, rankings, screenshot_ref, cancel_reason`

// Create persists a new pending checkpoint and registers its waiter.
func (m *Manager) Create(c Checkpoint) (string, error) {
	if c.Status == "" {
		c.Status = StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := m.conn.Exec(`INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.SessionID, c.CascadeID, c.Cell, string(c.Type), string(c.Status),
		c.CreatedAt.Format(time.RFC3339Nano), nullTime(c.RespondedAt), nullTime(c.TimeoutAt),
		nullJSON(c.UISpec), c.CellOutput, nullJSON(c.CandidateOutputs), nullJSON(c.Response),
		nullStr(c.Reasoning), nullFloat(c.Confidence), nullStr(c.Winner), nullJSON(c.Rankings),
		nullStr(c.ScreenshotRef), nullStr(c.CancelReason),
	)
	if err != nil {
		return "", fmt.Errorf("checkpoint: insert: %w", err)
	}

	m.mu.Lock()
	m.waiters[c.ID] = &waiter{done: make(chan struct{})}
	m.mu.Unlock()

	return c.ID, nil
}

// Wait blocks until the checkpoint resolves (responded, cancelled, or
// timed out) or ctxDone fires first. It returns the checkpoint's final
// state. Cancellation of ctxDone does NOT itself resolve the checkpoint —
// the caller is responsible for calling Cancel if it gives up waiting.
func (m *Manager) Wait(id string, ctxDone <-chan struct{}) (*Checkpoint, error) {
	m.mu.Lock()
	w, ok := m.waiters[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case <-w.done:
		return m.Get(id)
	case <-ctxDone:
		return nil, ErrWaitTimeout
	}
}

// Respond resolves a pending checkpoint with a UI-submitted response.
func (m *Manager) Respond(id string, r Response) error {
	return m.resolve(id, StatusResponded, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		_, err := tx.Exec(`UPDATE checkpoints SET status=?, responded_at=?, response=?, reasoning=?,
			confidence=?, winner=?, rankings=?, screenshot_ref=? WHERE id=? AND status='pending'`,
			string(StatusResponded), now.Format(time.RFC3339Nano), nullJSON(r.Value), nullStr(r.Reasoning),
			nullFloat(r.Confidence), nullStr(r.Winner), nullJSON(r.Rankings), nullStr(r.ScreenshotRef), id,
		)
		return err
	})
}

// Cancel resolves a pending checkpoint as cancelled, e.g. on session
// cancellation or operator override.
func (m *Manager) Cancel(id string, reason string) error {
	return m.resolve(id, StatusCancelled, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE checkpoints SET status=?, cancel_reason=? WHERE id=? AND status='pending'`,
			string(StatusCancelled), reason, id)
		return err
	})
}

// Timeout resolves a pending checkpoint as timed out; callers apply the
// cell's configured on_timeout action (continue/abort/retry) afterward.
func (m *Manager) Timeout(id string) error {
	return m.resolve(id, StatusTimedOut, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE checkpoints SET status=? WHERE id=? AND status='pending'`,
			string(StatusTimedOut), id)
		return err
	})
}

func (m *Manager) resolve(id string, _ Status, apply func(tx *sql.Tx) error) error {
	tx, err := m.conn.Begin()
	if err != nil {
		return fmt.Errorf("checkpoint: begin: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRow(`SELECT status FROM checkpoints WHERE id=?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("checkpoint: lookup: %w", err)
	}
	if current != string(StatusPending) {
		return ErrNotPending
	}
	if err := apply(tx); err != nil {
		return fmt.Errorf("checkpoint: apply: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint: commit: %w", err)
	}

	m.mu.Lock()
	w, ok := m.waiters[id]
	if ok {
		delete(m.waiters, id)
	}
	m.mu.Unlock()
	if ok {
		close(w.done)
	}
	return nil
}

// Get fetches a checkpoint's current state.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	row := m.conn.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id=?`, id)
	c, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListPending lists pending checkpoints, optionally scoped to a session.
func (m *Manager) ListPending(sessionID string) ([]Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE status='pending'`
	args := []any{}
	if sessionID != "" {
		query += ` AND session_id=?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := m.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// List lists checkpoints, optionally scoped to a session, and optionally
// including already-resolved ones (responded/cancelled/timed_out) instead
// of only pending ones.
func (m *Manager) List(sessionID string, includeAll bool) ([]Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints`
	var conds []string
	args := []any{}
	if !includeAll {
		conds = append(conds, `status='pending'`)
	}
	if sessionID != "" {
		conds = append(conds, `session_id=?`)
		args = append(args, sessionID)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := m.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Signal sets the audible flag for a session. Neither the runner nor the
// cell machine reads the flag, so no checkpoint is inserted for it.
func (m *Manager) Signal(sessionID string) {
	m.mu.Lock()
	m.audible[sessionID] = true
	m.mu.Unlock()
}

// Clear resets the audible flag for a session.
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	delete(m.audible, sessionID)
	m.mu.Unlock()
}

// IsSignaled reports (and does not consume) the audible flag. The runner
// does not call it.
func (m *Manager) IsSignaled(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audible[sessionID]
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var c Checkpoint
	var typ, status string
	var createdAt string
	var respondedAt, timeoutAt, uiSpec, candidateOutputs, response, reasoning, winner, rankings,
		screenshotRef, cancelReason sql.NullString
	var confidence sql.NullFloat64

	if err := row.Scan(
		&c.ID, &c.SessionID, &c.CascadeID, &c.Cell, &typ, &status, &createdAt, &respondedAt,
		&timeoutAt, &uiSpec, &c.CellOutput, &candidateOutputs, &response, &reasoning,
		&confidence, &winner, &rankings, &screenshotRef, &cancelReason,
	); err != nil {
		return nil, err
	}

	c.Type = Type(typ)
	c.Status = Status(status)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if respondedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, respondedAt.String)
		c.RespondedAt = &t
	}
	if timeoutAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, timeoutAt.String)
		c.TimeoutAt = &t
	}
	if uiSpec.Valid {
		c.UISpec = json.RawMessage(uiSpec.String)
	}
	if candidateOutputs.Valid {
		c.CandidateOutputs = json.RawMessage(candidateOutputs.String)
	}
	if response.Valid {
		c.Response = json.RawMessage(response.String)
	}
	if reasoning.Valid {
		c.Reasoning = &reasoning.String
	}
	if confidence.Valid {
		c.Confidence = &confidence.Float64
	}
	if winner.Valid {
		c.Winner = &winner.String
	}
	if rankings.Valid {
		c.Rankings = json.RawMessage(rankings.String)
	}
	if screenshotRef.Valid {
		c.ScreenshotRef = &screenshotRef.String
	}
	if cancelReason.Valid {
		c.CancelReason = &cancelReason.String
	}
	return &c, nil
}

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullJSON(j json.RawMessage) any {
	if len(j) == 0 {
		return nil
	}
	return string(j)
}
