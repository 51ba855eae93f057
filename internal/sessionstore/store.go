// Package sessionstore is the durable per-session state record: status
// transitions, heartbeat/lease, zombie detection, and cooperative
// cancellation, with terminal-status immutability enforced by the store's
// mutation methods across the full {starting,running,blocked,completed,error,
// cancelled,orphaned} status vocabulary plus heartbeat lease fields.
package sessionstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Status is the session status vocabulary (spec §4.3).
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusOrphaned  Status = "orphaned"
)

// IsTerminal reports whether status admits no further mutation.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled, StatusOrphaned:
		return true
	default:
		return false
	}
}

// BlockedType is the reason a blocked session is waiting (spec §4.3).
type BlockedType string

const (
	BlockedHITL     BlockedType = "hitl"
	BlockedApproval BlockedType = "approval"
	BlockedDecision BlockedType = "decision"
	BlockedSignal   BlockedType = "signal"
)

// Session is the durable session record.
type Session struct {
	ID                    string
	CascadeID             string
	Status                Status
	StartedAt             time.Time
	UpdatedAt             time.Time
	CompletedAt           *time.Time
	HeartbeatAt           time.Time
	HeartbeatLeaseSeconds int
	CurrentCell           string
	CancelRequested        bool
	CancelReason          *string
	BlockedType           *BlockedType
	BlockedOn             *string
	Resumable             bool
	LastCheckpointID      *string
	ErrorMessage          *string
	InputData             json.RawMessage
	Output                json.RawMessage
	ParentSessionID       *string
}

// ErrTerminal is returned when a mutation targets a session already in a
// terminal status (spec §4.3 invariant: terminal statuses are never
// overwritten).
var ErrTerminal = fmt.Errorf("session is in a terminal status")

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = fmt.Errorf("session not found")

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the sqlite-backed session record store.
type Store struct {
	conn *sql.DB
	now  func() time.Time
}

// Open creates the session store database at path, running migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, sub)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{conn: conn, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.conn.Close() }

const sessionColumns = `id, cascade_id, status, started_at, updated_at, completed_at, heartbeat_at, heartbeat_lease_seconds, current_cell, cancel_requested, cancel_reason, blocked_type, blocked_on, resumable, last_checkpoint_id, error_message, input_data, output, parent_session_id`

func scanSession(scanner interface{ Scan(...any) error }, s *Session) error {
	var completedAt, blockedType, currentCell sql.NullString
	var startedAt, updatedAt, heartbeatAt string
	var cancelRequested int
	err := scanner.Scan(
		&s.ID, &s.CascadeID, &s.Status, &startedAt, &updatedAt, &completedAt,
		&heartbeatAt, &s.HeartbeatLeaseSeconds, &currentCell, &cancelRequested, &s.CancelReason,
		&blockedType, &s.BlockedOn, &s.Resumable, &s.LastCheckpointID, &s.ErrorMessage, (*[]byte)(&s.InputData), (*[]byte)(&s.Output),
		&s.ParentSessionID,
	)
	if err != nil {
		return err
	}
	s.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	s.HeartbeatAt, _ = time.Parse(time.RFC3339Nano, heartbeatAt)
	s.CurrentCell = currentCell.String
	s.CancelRequested = cancelRequested != 0
	if completedAt.Valid {
		t, perr := time.Parse(time.RFC3339Nano, completedAt.String)
		if perr == nil {
			s.CompletedAt = &t
		}
	}
	if blockedType.Valid {
		bt := BlockedType(blockedType.String)
		s.BlockedType = &bt
	}
	return nil
}

// Create inserts a new session in status=starting.
func (s *Store) Create(sessionID, cascadeID string, input json.RawMessage, heartbeatLeaseSeconds int, parentSessionID *string) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:                    sessionID,
		CascadeID:             cascadeID,
		Status:                StatusStarting,
		StartedAt:             now,
		UpdatedAt:             now,
		HeartbeatAt:           now,
		HeartbeatLeaseSeconds: heartbeatLeaseSeconds,
		Resumable:             true,
		InputData:             input,
		ParentSessionID:       parentSessionID,
	}
	_, err := s.conn.Exec(
		`INSERT INTO sessions (id, cascade_id, status, started_at, updated_at, heartbeat_at, heartbeat_lease_seconds, resumable, input_data, parent_session_id, cancel_requested)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		sess.ID, sess.CascadeID, string(sess.Status), sess.StartedAt.Format(time.RFC3339Nano), sess.UpdatedAt.Format(time.RFC3339Nano),
		sess.HeartbeatAt.Format(time.RFC3339Nano), sess.HeartbeatLeaseSeconds, sess.Resumable, string(sess.InputData), sess.ParentSessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", sessionID, err)
	}
	return sess, nil
}

// Get retrieves a session by id.
func (s *Store) Get(sessionID string) (*Session, error) {
	sess := &Session{}
	row := s.conn.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	if err := scanSession(row, sess); err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return sess, nil
}

// List returns sessions ordered by started_at descending, optionally
// filtered by status.
func (s *Store) List(status *Status, limit, offset int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Session
	for rows.Next() {
		var sess Session
		if err := scanSession(rows, &sess); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// guardNotTerminal rejects the mutation if the session is currently in a
// terminal status (spec §4.3 invariant). Caller must pass the currently
// stored status.
func guardNotTerminal(current Status) error {
	if current.IsTerminal() {
		return ErrTerminal
	}
	return nil
}

// UpdateStatus transitions a session's status, refreshing heartbeat_at and
// updated_at. Rejects transitions out of a terminal status.
func (s *Store) UpdateStatus(sessionID string, status Status, currentCell string) error {
	cur, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if err := guardNotTerminal(cur.Status); err != nil {
		return err
	}
	now := s.now()
	var completedAt *string
	if status.IsTerminal() {
		f := now.Format(time.RFC3339Nano)
		completedAt = &f
	}
	_, err = s.conn.Exec(
		`UPDATE sessions SET status = ?, current_cell = ?, updated_at = ?, heartbeat_at = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(status), currentCell, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), completedAt, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update status %s: %w", sessionID, err)
	}
	return nil
}

// Heartbeat refreshes heartbeat_at for a non-terminal session. The runner
// calls this at least every heartbeat_lease_seconds/2 (spec §4.3).
func (s *Store) Heartbeat(sessionID string) error {
	cur, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if err := guardNotTerminal(cur.Status); err != nil {
		return err
	}
	now := s.now()
	_, err = s.conn.Exec(`UPDATE sessions SET heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", sessionID, err)
	}
	return nil
}

// RequestCancellation marks cancel_requested so the runner's cooperative
// check at the next cell boundary picks it up.
func (s *Store) RequestCancellation(sessionID, reason string) error {
	cur, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if err := guardNotTerminal(cur.Status); err != nil {
		return err
	}
	_, err = s.conn.Exec(`UPDATE sessions SET cancel_requested = 1, cancel_reason = ?, updated_at = ? WHERE id = ?`,
		reason, s.now().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return fmt.Errorf("request cancellation %s: %w", sessionID, err)
	}
	return nil
}

// MarkBlocked transitions a session to blocked, recording the blocking
// checkpoint.
func (s *Store) MarkBlocked(sessionID string, blockedType BlockedType, blockedOn string) error {
	cur, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if err := guardNotTerminal(cur.Status); err != nil {
		return err
	}
	now := s.now()
	_, err = s.conn.Exec(
		`UPDATE sessions SET status = ?, blocked_type = ?, blocked_on = ?, last_checkpoint_id = ?, updated_at = ?, heartbeat_at = ? WHERE id = ?`,
		string(StatusBlocked), string(blockedType), blockedOn, blockedOn, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark blocked %s: %w", sessionID, err)
	}
	return nil
}

// ResumeUnblock clears the blocked_type/blocked_on fields and returns the
// session to running.
func (s *Store) ResumeUnblock(sessionID string) error {
	cur, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if err := guardNotTerminal(cur.Status); err != nil {
		return err
	}
	now := s.now()
	_, err = s.conn.Exec(
		`UPDATE sessions SET status = ?, blocked_type = NULL, blocked_on = NULL, updated_at = ?, heartbeat_at = ? WHERE id = ?`,
		string(StatusRunning), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return fmt.Errorf("resume unblock %s: %w", sessionID, err)
	}
	return nil
}

// Complete writes the final output and transitions to completed.
func (s *Store) Complete(sessionID string, output json.RawMessage) error {
	cur, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if err := guardNotTerminal(cur.Status); err != nil {
		return err
	}
	now := s.now()
	_, err = s.conn.Exec(
		`UPDATE sessions SET status = ?, output = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(StatusCompleted), string(output), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", sessionID, err)
	}
	return nil
}

// Fail transitions a session to error with the given message.
func (s *Store) Fail(sessionID, message string) error {
	cur, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if err := guardNotTerminal(cur.Status); err != nil {
		return err
	}
	now := s.now()
	_, err = s.conn.Exec(
		`UPDATE sessions SET status = ?, error_message = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(StatusError), message, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return fmt.Errorf("fail session %s: %w", sessionID, err)
	}
	return nil
}

// Cancel transitions a session to cancelled with the given reason,
// finalizing a cooperative cancellation request (spec §4.3).
func (s *Store) Cancel(sessionID, reason string) error {
	cur, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if err := guardNotTerminal(cur.Status); err != nil {
		return err
	}
	now := s.now()
	_, err = s.conn.Exec(
		`UPDATE sessions SET status = ?, cancel_reason = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(StatusCancelled), reason, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return fmt.Errorf("cancel session %s: %w", sessionID, err)
	}
	return nil
}

// IsZombie reports whether a session is a zombie: active status and a
// heartbeat older than its lease (spec §4.3).
func (s *Store) IsZombie(sess *Session, now time.Time) bool {
	if sess.Status != StatusRunning && sess.Status != StatusBlocked {
		return false
	}
	lease := time.Duration(sess.HeartbeatLeaseSeconds) * time.Second
	return now.Sub(sess.HeartbeatAt) > lease
}

// CleanupZombies transitions every zombie session (stale past lease +
// graceSeconds) to orphaned. Idempotent, never blocks (bounded single
// pass over the non-terminal sessions).
func (s *Store) CleanupZombies(graceSeconds int) (int, error) {
	rows, err := s.conn.Query(
		`SELECT ` + sessionColumns + ` FROM sessions WHERE status IN ('running', 'blocked')`,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup zombies: %w", err)
	}
	var candidates []Session
	for rows.Next() {
		var sess Session
		if err := scanSession(rows, &sess); err != nil {
			rows.Close() //nolint:errcheck
			return 0, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, sess)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := s.now()
	n := 0
	for _, sess := range candidates {
		lease := time.Duration(sess.HeartbeatLeaseSeconds+graceSeconds) * time.Second
		if now.Sub(sess.HeartbeatAt) <= lease {
			continue
		}
		res, err := s.conn.Exec(
			`UPDATE sessions SET status = ?, updated_at = ?, completed_at = ? WHERE id = ? AND status IN ('running', 'blocked')`,
			string(StatusOrphaned), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), sess.ID,
		)
		if err != nil {
			return n, fmt.Errorf("orphan session %s: %w", sess.ID, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, nil
}
