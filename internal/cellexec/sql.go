package cellexec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cascadeforge/cascade/internal/sessiondb"
	"github.com/cascadeforge/cascade/internal/sqlbridge"
	"github.com/google/uuid"
)

// SQLExecutor runs a rendered query against the session DB, or against
// a named external connection registered in External.
type SQLExecutor struct {
	// External maps a connection name (as referenced by a cell's Inputs)
	// to an already-open external database handle.
	External map[string]*sql.DB

	// Bridge, when set, lets a SQL cell body embed rvbbit/rvbbit_cascade
	// calls and a trailing "THEN <STAGE> ... INTO <table>" pipeline (spec
	// §4.11). A cell that never uses either runs exactly as before.
	Bridge *sqlbridge.Bridge
	Stages *sqlbridge.Registry
}

// Execute runs body as a SQL statement. A SELECT-shaped statement
// returns a Dataframe; a statement with no result columns (DDL/DML)
// returns a Scalar rows-affected count. When e.Bridge is set, body is
// first split on its trailing THEN-stage clauses and scanned for
// literal rvbbit/rvbbit_cascade calls, which are evaluated and spliced
// into the base query as SQL literals before it ever reaches sqlite.
func (e *SQLExecutor) Execute(ctx context.Context, db *sessiondb.DB, cellName, body string, _ map[string]Dataframe) (*ExecResult, error) {
	base := body
	var steps []sqlbridge.PipelineStep

	if e.Bridge != nil {
		var err error
		base, steps, err = sqlbridge.SplitPipeline(body)
		if err != nil {
			return nil, &ExecError{Route: "error", Message: err.Error()}
		}
		base, err = e.Bridge.EvaluateCalls(ctx, uuid.NewString(), base)
		if err != nil {
			return nil, &ExecError{Route: "error", Message: err.Error()}
		}
	}

	cols, rows, err := db.Query(base)
	if err != nil {
		if isNoRowsStatement(err) {
			return e.executeStatement(ctx, db, base)
		}
		return nil, &ExecError{Route: "error", Message: err.Error()}
	}

	out := make([][]any, len(rows))
	copy(out, rows)

	if len(steps) == 0 {
		return &ExecResult{Dataframe: &Dataframe{Columns: cols, Rows: out}}, nil
	}

	initial := dataframeToRows(cols, out)
	final, err := e.Bridge.RunPipeline(ctx, db, e.Stages, steps, initial)
	if err != nil {
		return nil, &ExecError{Route: "error", Message: err.Error()}
	}
	resultCols, resultRows := rowsToDataframe(final)
	return &ExecResult{Dataframe: &Dataframe{Columns: resultCols, Rows: resultRows}}, nil
}

func dataframeToRows(cols []string, rows [][]any) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		m := make(map[string]any, len(cols))
		for j, c := range cols {
			if j < len(row) {
				m[c] = row[j]
			}
		}
		out[i] = m
	}
	return out
}

func rowsToDataframe(rows []map[string]any) ([]string, [][]any) {
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

func (e *SQLExecutor) executeStatement(_ context.Context, db *sessiondb.DB, body string) (*ExecResult, error) {
	result, err := db.Conn().Exec(body)
	if err != nil {
		return nil, &ExecError{Route: "error", Message: err.Error()}
	}
	affected, _ := result.RowsAffected()
	return &ExecResult{Scalar: affected}, nil
}

// isNoRowsStatement reports whether a query error is sqlite rejecting a
// non-row-returning statement via Query rather than Exec.
func isNoRowsStatement(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"not a SELECT", "no result set", "Exec instead"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ExternalByName resolves a named external connection, e.g. for cells
// whose Inputs reference a connection other than the session DB.
func (e *SQLExecutor) ExternalByName(name string) (*sql.DB, error) {
	conn, ok := e.External[name]
	if !ok {
		return nil, fmt.Errorf("cellexec: unknown external connection %q", name)
	}
	return conn, nil
}
