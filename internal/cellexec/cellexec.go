// Package cellexec implements the deterministic data-cell executors
// (SQL, Python, JavaScript, Clojure) and the auto-fix retry loop that
// wraps them.
package cellexec

import (
	"context"
	"fmt"

	"github.com/cascadeforge/cascade/internal/cascade"
	"github.com/cascadeforge/cascade/internal/sessiondb"
	"github.com/cascadeforge/cascade/internal/sqlbridge"
)

// Dataframe is the rows+columns shape a deterministic executor returns.
type Dataframe struct {
	Columns []string
	Rows    [][]any
}

// ExecResult is what a deterministic executor produces on success.
// Exactly one of Dataframe or Scalar is populated.
type ExecResult struct {
	Dataframe *Dataframe
	Scalar    any
}

// ExecError is the error envelope spec §4.5 requires on exception:
// {_route:"error", error, traceback}.
type ExecError struct {
	Route     string
	Message   string
	Traceback string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("cellexec: %s", e.Message)
}

// Executor runs one cell's deterministic body against the current
// session DB and the outputs of prior cells.
type Executor interface {
	// Execute runs body (already template-rendered) and returns its
	// result, or an *ExecError on failure.
	Execute(ctx context.Context, db *sessiondb.DB, cellName, body string, prior map[string]Dataframe) (*ExecResult, error)
}

// Registry resolves a cell's Tool language to its Executor.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry builds a registry with the SQL, Python, JavaScript, and
// Clojure executors registered under their spec §4.5 language names.
// bridge may be nil, in which case SQL cells never see rvbbit/THEN-stage
// syntax evaluated — they run as plain SQL, same as before the bridge
// existed.
func NewRegistry(runner ProcessRunner, bridge *sqlbridge.Bridge, stages *sqlbridge.Registry) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.executors["sql"] = &SQLExecutor{Bridge: bridge, Stages: stages}
	r.executors["python"] = &ScriptExecutor{Runner: runner, Language: "python"}
	r.executors["javascript"] = &ScriptExecutor{Runner: runner, Language: "javascript"}
	r.executors["clojure"] = &ScriptExecutor{Runner: runner, Language: "clojure"}
	return r
}

// Resolve returns the executor for a cell's declared Tool language.
func (r *Registry) Resolve(language string) (Executor, error) {
	e, ok := r.executors[language]
	if !ok {
		return nil, fmt.Errorf("cellexec: no executor registered for language %q", language)
	}
	return e, nil
}

// MaterializeOnSuccess writes a successful dataframe result into the
// cell's _<cell_name> temp table, per spec §4.5 ("unless disabled").
func MaterializeOnSuccess(db *sessiondb.DB, cellName string, res *ExecResult, disabled bool) error {
	if disabled || res == nil || res.Dataframe == nil {
		return nil
	}
	return db.MaterializeTable(cellName, res.Dataframe.Columns, res.Dataframe.Rows)
}

// FixPrompt is the language-specific fix prompt auto-fix sends to the
// agent: the original body and the error string (spec §4.5).
func FixPrompt(language, body, errMsg string) string {
	return fmt.Sprintf(
		"The following %s cell body failed with the error below. Return ONLY a corrected %s body, with no explanation.\n\n--- body ---\n%s\n\n--- error ---\n%s\n",
		language, language, body, errMsg,
	)
}

// AutoFixFunc issues one LLM call with a fix prompt and returns the
// corrected body.
type AutoFixFunc func(ctx context.Context, prompt string) (string, error)

// RunWithAutoFix executes body; on failure, when cfg is enabled, it asks
// fix for up to cfg.MaxAttempts corrected bodies, executing each in
// turn, and returns on the first success. Auto-fix never applies to LLM
// cells — callers only invoke this for SQL/Python/JS/Clojure cells.
func RunWithAutoFix(ctx context.Context, exec Executor, db *sessiondb.DB, cellName, language, body string,
	prior map[string]Dataframe, cfg *cascade.AutoFixConfig, fix AutoFixFunc) (*ExecResult, error) {

	res, err := exec.Execute(ctx, db, cellName, body, prior)
	if err == nil {
		return res, nil
	}
	if cfg == nil || !cfg.Enabled || fix == nil {
		return nil, err
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	lastErr := err
	for attempt := 0; attempt < maxAttempts; attempt++ {
		prompt := FixPrompt(language, body, lastErr.Error())
		fixedBody, fixErr := fix(ctx, prompt)
		if fixErr != nil {
			return nil, fmt.Errorf("cellexec: auto-fix attempt %d: %w", attempt+1, fixErr)
		}

		res, err = exec.Execute(ctx, db, cellName, fixedBody, prior)
		if err == nil {
			return res, nil
		}
		lastErr = err
		body = fixedBody
	}

	return nil, fmt.Errorf("cellexec: auto-fix exhausted %d attempts: %w", maxAttempts, lastErr)
}
