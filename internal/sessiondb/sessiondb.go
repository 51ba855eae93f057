// Package sessiondb manages the per-session embedded sqlite store that
// owns inter-cell temp tables for the life of a session.
package sessiondb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	_ "modernc.org/sqlite"
)

// TempTableName returns the materialized temp table name for a cell,
// e.g. "extract" -> "_extract".
func TempTableName(cellName string) string {
	return "_" + cellName
}

// DB is a single session's embedded sqlite store.
type DB struct {
	conn *sql.DB
	path string
}

// Conn exposes the underlying *sql.DB for ad hoc queries (the SQL cell
// executor runs rendered queries directly against this handle).
func (d *DB) Conn() *sql.DB { return d.conn }

// MaterializeTable replaces the temp table owned by cellName with the
// given columns and rows. Column affinity is left to sqlite's dynamic
// typing; callers pass Go values and rely on sqlite's type coercion.
func (d *DB) MaterializeTable(cellName string, columns []string, rows [][]any) error {
	table := TempTableName(cellName)
	if !isValidIdentifier(cellName) {
		return fmt.Errorf("sessiondb: invalid cell name %q", cellName)
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("sessiondb: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table)); err != nil {
		return fmt.Errorf("sessiondb: drop %s: %w", table, err)
	}

	colDefs := make([]string, len(columns))
	for i, c := range columns {
		colDefs[i] = fmt.Sprintf("%q", c)
	}
	createStmt := fmt.Sprintf(`CREATE TABLE %q (%s)`, table, strings.Join(colDefs, ", "))
	if _, err := tx.Exec(createStmt); err != nil {
		return fmt.Errorf("sessiondb: create %s: %w", table, err)
	}

	if len(rows) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
		insertStmt := fmt.Sprintf(`INSERT INTO %q VALUES (%s)`, table, placeholders)
		stmt, err := tx.Prepare(insertStmt)
		if err != nil {
			return fmt.Errorf("sessiondb: prepare insert %s: %w", table, err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.Exec(row...); err != nil {
				return fmt.Errorf("sessiondb: insert into %s: %w", table, err)
			}
		}
	}

	return tx.Commit()
}

// Query runs an arbitrary SQL query against the session DB and returns
// the result as column names plus row values.
func (d *DB) Query(query string, args ...any) ([]string, [][]any, error) {
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("sessiondb: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("sessiondb: columns: %w", err)
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("sessiondb: scan: %w", err)
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}

func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// Manager owns the lifecycle of per-session database files under a
// DATA_DIR-rooted filesystem abstraction.
type Manager struct {
	fs      afero.Fs
	dataDir string

	mu   sync.Mutex
	open map[string]*DB
}

// NewManager constructs a Manager rooted at dataDir. Passing an
// in-memory afero.Fs (e.g. afero.NewMemMapFs()) lets tests run without
// touching the real filesystem.
func NewManager(fs afero.Fs, dataDir string) *Manager {
	return &Manager{
		fs:      fs,
		dataDir: dataDir,
		open:    make(map[string]*DB),
	}
}

func (m *Manager) pathFor(sessionID string) string {
	return filepath.Join(m.dataDir, "sessions", sessionID+".sqlite")
}

// Open creates (if necessary) and opens the embedded sqlite file for a
// session, backed by the real filesystem — sqlite drivers address files
// by OS path, so afero here only governs directory creation and
// cleanup, not the sqlite connection itself.
func (m *Manager) Open(sessionID string) (*DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.open[sessionID]; ok {
		return db, nil
	}

	dir := filepath.Join(m.dataDir, "sessions")
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessiondb: mkdir %s: %w", dir, err)
	}

	path := m.pathFor(sessionID)
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessiondb: open %s: %w", path, err)
	}

	db := &DB{conn: conn, path: path}
	m.open[sessionID] = db
	return db, nil
}

// Close closes the session's connection without deleting its file.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	db, ok := m.open[sessionID]
	delete(m.open, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return db.conn.Close()
}

// Cleanup closes the session's connection and removes its file from
// disk; called when a session reaches a terminal state.
func (m *Manager) Cleanup(sessionID string) error {
	if err := m.Close(sessionID); err != nil {
		return fmt.Errorf("sessiondb: close before cleanup: %w", err)
	}
	path := m.pathFor(sessionID)
	if err := m.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sessiondb: remove %s: %w", path, err)
	}
	return nil
}
