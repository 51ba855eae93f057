// Package logstore is the durable, append-only execution log: one row per
// cascade/cell/turn/tool/ward/evaluator/cost event, keyed by a unique
// trace id and optionally chained to a parent trace id, stored in sqlite
// via an Exec/Query + column-list const + scan helper pattern, with a
// bounded-worker-pool cost reconciler running alongside it.
package logstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// NodeType enumerates the row kinds recorded in the log; the log's
// source of truth for UI grouping and analytics.
type NodeType string

const (
	NodeCascade          NodeType = "cascade"
	NodeCascadeStart     NodeType = "cascade_start"
	NodeCascadeComplete  NodeType = "cascade_complete"
	NodeCascadeError     NodeType = "cascade_error"
	NodeCell             NodeType = "cell"
	NodeCellComplete     NodeType = "cell_complete"
	NodeTurnStart        NodeType = "turn_start"
	NodeTurnOutput       NodeType = "turn_output"
	NodeSystem           NodeType = "system"
	NodeUser             NodeType = "user"
	NodeFollowUp         NodeType = "follow_up"
	NodeInjection        NodeType = "injection"
	NodeTool             NodeType = "tool"
	NodeToolCall         NodeType = "tool_call"
	NodeToolResult       NodeType = "tool_result"
	NodeSoundingAttempt  NodeType = "sounding_attempt"
	NodeSoundingError    NodeType = "sounding_error"
	NodeEvaluator        NodeType = "evaluator"
	NodeReforgeStep      NodeType = "reforge_step"
	NodeReforgeAttempt   NodeType = "reforge_attempt"
	NodeReforgeWinner    NodeType = "reforge_winner"
	NodePreWard          NodeType = "pre_ward"
	NodePostWard         NodeType = "post_ward"
	NodeValidation       NodeType = "validation"
	NodeSchemaValidation NodeType = "schema_validation"
	NodeValidationRetry  NodeType = "validation_retry"
	NodeCheckpoint       NodeType = "checkpoint"
	NodeQuartermaster    NodeType = "quartermaster_result"
	NodeAudible          NodeType = "audible"
	NodeCostUpdate       NodeType = "cost_update"
	NodeSubCascade       NodeType = "sub_cascade"
)

// Row is one append-only log entry (spec §3 "Log row").
type Row struct {
	TimestampUS       int64
	SessionID         string
	TraceID           string
	ParentID          *string
	NodeType          NodeType
	Role              string
	PhaseName         string
	CascadeID         string
	TakeIndex         *int
	ReforgeStep       *int
	TurnNumber        *int
	Model             string
	Provider          string
	ProviderRequestID *string
	TokensIn          *int
	TokensOut         *int
	TokensReasoning   *int
	CostUSD           *float64
	DurationMS        *int64
	Content           string
	RequestJSON       string
	ResponseJSON      string
	ToolCallsJSON     string
	ImagesJSON        string
	MetadataJSON      string
	IsWinner          *bool
	ContentHash       string
	ContextHashesJSON string // JSON array of content hashes
	CallerID          *string
}

// CostUpdate is the payload the reconciler applies once a provider reports
// usage for a previously-appended assistant row.
type CostUpdate struct {
	TokensIn        int
	TokensOut       int
	TokensReasoning int
	CostUSD         float64
}

// Writer is the single append/update interface shared by the durable log
// and the in-memory live mirror (spec §9 "From append-everywhere logging
// to a single writer abstraction").
type Writer interface {
	Append(row Row) error
	UpdateCost(traceID string, u CostUpdate) error
}

// FanOut returns a Writer that forwards every call to each of ws in order,
// collecting every error with multierr instead of stopping at the first.
func FanOut(ws ...Writer) Writer { return fanOut(ws) }

// Store is the sqlite-backed durable Writer.
type Store struct {
	conn *sql.DB
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open creates the durable log database at path, running goose migrations.
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
	return &Store{conn: conn}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.conn.Close() }

const rowColumns = `timestamp_us, session_id, trace_id, parent_id, node_type, role, phase_name, cascade_id, take_index, reforge_step, turn_number, model, provider, provider_request_id, tokens_in, tokens_out, tokens_reasoning, cost_usd, duration_ms, content, request_json, response_json, tool_calls_json, images_json, metadata_json, is_winner, content_hash, context_hashes_json, caller_id`

// Append inserts a new log row. trace_id must be unique; violating that
// invariant surfaces as a driver error from the UNIQUE index.
func (s *Store) Append(r Row) error {
	_, err := s.conn.Exec(
		`INSERT INTO log_rows (`+rowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.TimestampUS, r.SessionID, r.TraceID, r.ParentID, string(r.NodeType), r.Role, r.PhaseName, r.CascadeID,
		r.TakeIndex, r.ReforgeStep, r.TurnNumber, r.Model, r.Provider, r.ProviderRequestID,
		r.TokensIn, r.TokensOut, r.TokensReasoning, r.CostUSD, r.DurationMS,
		r.Content, r.RequestJSON, r.ResponseJSON, r.ToolCallsJSON, r.ImagesJSON, r.MetadataJSON,
		r.IsWinner, r.ContentHash, r.ContextHashesJSON, r.CallerID,
	)
	if err != nil {
		return fmt.Errorf("append log row %s: %w", r.TraceID, err)
	}
	return nil
}

// UpdateCost applies reconciled usage/cost to the row identified by
// traceID. If no row with that trace id exists yet (the reconciler raced
// ahead of the insert, which should not normally happen but is defended
// against per spec §9's "insert as fallback" mirror contract) it inserts a
// minimal cost_update row instead of silently dropping the update.
func (s *Store) UpdateCost(traceID string, u CostUpdate) error {
	res, err := s.conn.Exec(
		`UPDATE log_rows SET tokens_in = ?, tokens_out = ?, tokens_reasoning = ?, cost_usd = ? WHERE trace_id = ?`,
		u.TokensIn, u.TokensOut, u.TokensReasoning, u.CostUSD, traceID,
	)
	if err != nil {
		return fmt.Errorf("update cost %s: %w", traceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update cost %s: %w", traceID, err)
	}
	if n == 0 {
		fallback := Row{
			TraceID:   traceID,
			NodeType:  NodeCostUpdate,
			TokensIn:  &u.TokensIn,
			TokensOut: &u.TokensOut,
			CostUSD:   &u.CostUSD,
		}
		return s.Append(fallback)
	}
	return nil
}

// Query returns rows for a session ordered by timestamp, for API/UI
// consumption and tests; not a general SQL surface (that is sqlbridge's
// job against the session DB, not the log).
func (s *Store) Query(sessionID string) ([]Row, error) {
	rows, err := s.conn.Query(`SELECT `+rowColumns+` FROM log_rows WHERE session_id = ? ORDER BY timestamp_us ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query log rows: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Row
	for rows.Next() {
		var r Row
		if err := scanRow(rows, &r); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRow(scanner interface{ Scan(...any) error }, r *Row) error {
	return scanner.Scan(
		&r.TimestampUS, &r.SessionID, &r.TraceID, &r.ParentID, &r.NodeType, &r.Role, &r.PhaseName, &r.CascadeID,
		&r.TakeIndex, &r.ReforgeStep, &r.TurnNumber, &r.Model, &r.Provider, &r.ProviderRequestID,
		&r.TokensIn, &r.TokensOut, &r.TokensReasoning, &r.CostUSD, &r.DurationMS,
		&r.Content, &r.RequestJSON, &r.ResponseJSON, &r.ToolCallsJSON, &r.ImagesJSON, &r.MetadataJSON,
		&r.IsWinner, &r.ContentHash, &r.ContextHashesJSON, &r.CallerID,
	)
}

// WriteSnapshot persists the per-session genus-hash pattern row (§12.6
// supplement): written once, on session completion, for downstream
// pattern-detection analytics outside the core's responsibility boundary.
func (s *Store) WriteSnapshot(sessionID, genusHash string, input, output any) error {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal snapshot input: %w", err)
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal snapshot output: %w", err)
	}
	_, err = s.conn.Exec(
		`INSERT INTO session_snapshots (session_id, genus_hash, input_json, output_json) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET genus_hash = ?, input_json = ?, output_json = ?`,
		sessionID, genusHash, string(inputJSON), string(outputJSON),
		genusHash, string(inputJSON), string(outputJSON),
	)
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", sessionID, err)
	}
	return nil
}
