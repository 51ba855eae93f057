package sessiondb

import (
	"testing"

	"github.com/spf13/afero"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(afero.NewOsFs(), t.TempDir())
}

func TestOpenCreatesSessionFile(t *testing.T) {
	m := newTestManager(t)
	db, err := m.Open("sess-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if db.Conn() == nil {
		t.Fatal("expected non-nil connection")
	}
	t.Cleanup(func() { _ = m.Cleanup("sess-1") })
}

func TestOpenIsIdempotentPerSession(t *testing.T) {
	m := newTestManager(t)
	db1, err := m.Open("sess-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db2, err := m.Open("sess-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if db1 != db2 {
		t.Fatal("expected same *DB for repeated Open on same session")
	}
	t.Cleanup(func() { _ = m.Cleanup("sess-1") })
}

func TestMaterializeTableAndQuery(t *testing.T) {
	m := newTestManager(t)
	db, err := m.Open("sess-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = m.Cleanup("sess-1") })

	err = db.MaterializeTable("extract", []string{"id", "name"}, [][]any{
		{1, "alice"},
		{2, "bob"},
	})
	if err != nil {
		t.Fatalf("MaterializeTable: %v", err)
	}

	cols, rows, err := db.Query(`SELECT id, name FROM _extract ORDER BY id`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(cols) != 2 || len(rows) != 2 {
		t.Fatalf("unexpected result shape: cols=%v rows=%v", cols, rows)
	}
}

func TestMaterializeTableRejectsInvalidCellName(t *testing.T) {
	m := newTestManager(t)
	db, err := m.Open("sess-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = m.Cleanup("sess-1") })

	if err := db.MaterializeTable("bad; drop table x", nil, nil); err == nil {
		t.Fatal("expected error for invalid cell name")
	}
}

func TestMaterializeTableReplacesPriorContents(t *testing.T) {
	m := newTestManager(t)
	db, err := m.Open("sess-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = m.Cleanup("sess-1") })

	if err := db.MaterializeTable("extract", []string{"id"}, [][]any{{1}, {2}, {3}}); err != nil {
		t.Fatalf("MaterializeTable: %v", err)
	}
	if err := db.MaterializeTable("extract", []string{"id"}, [][]any{{9}}); err != nil {
		t.Fatalf("MaterializeTable (replace): %v", err)
	}

	_, rows, err := db.Query(`SELECT id FROM _extract`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected table replaced with 1 row, got %d", len(rows))
	}
}

func TestCleanupRemovesFile(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Open("sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Cleanup("sess-1"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	exists, err := afero.Exists(m.fs, m.pathFor("sess-1"))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("expected session file removed after Cleanup")
	}
}
