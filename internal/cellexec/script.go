package cellexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cascadeforge/cascade/internal/sessiondb"
)

// ScriptExecutor runs a cell body in an isolated Python, JavaScript, or
// Clojure interpreter subprocess, exposing prior cells' dataframes via a
// data.<prev> accessor and reading back a JSON-encoded `result` value
// the body must assign.
type ScriptExecutor struct {
	Runner   ProcessRunner
	Language string // "python", "javascript", or "clojure"
}

type scriptEnvelope struct {
	Data map[string]priorFrame `json:"data"`
	Body string                `json:"body"`
}

type priorFrame struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// scriptOutput is what the interpreter wrapper writes to stdout: either
// a dataframe, a scalar/dict result, or the §4.5 error envelope.
type scriptOutput struct {
	Route     string          `json:"_route,omitempty"`
	Error     string          `json:"error,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
	Columns   []string        `json:"columns,omitempty"`
	Rows      [][]any         `json:"rows,omitempty"`
	Scalar    json.RawMessage `json:"scalar,omitempty"`
}

// Execute writes a JSON envelope (the templated body plus each prior
// cell's rows) to the interpreter's stdin and parses its JSON result
// from stdout. The interpreter side (language runtime harness, not
// implemented in this repo) is responsible for exposing data.<prev> and
// assigning `result` per spec §4.5.
func (e *ScriptExecutor) Execute(ctx context.Context, _ *sessiondb.DB, cellName, body string, prior map[string]Dataframe) (*ExecResult, error) {
	env := scriptEnvelope{Data: make(map[string]priorFrame, len(prior)), Body: body}
	for name, df := range prior {
		env.Data[name] = priorFrame{Columns: df.Columns, Rows: df.Rows}
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("cellexec: marshal script envelope for %s: %w", cellName, err)
	}

	command, args, err := e.interpreterCommand()
	if err != nil {
		return nil, err
	}

	stdout, stderr, err := e.Runner.Run(ctx, command, args, string(payload))
	if err != nil {
		return nil, &ExecError{Route: "error", Message: err.Error(), Traceback: stderr}
	}

	var out scriptOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		return nil, &ExecError{Route: "error", Message: fmt.Sprintf("cellexec: parse %s output: %v", e.Language, err), Traceback: stdout}
	}
	if out.Route == "error" {
		return nil, &ExecError{Route: "error", Message: out.Error, Traceback: out.Traceback}
	}

	if out.Columns != nil {
		return &ExecResult{Dataframe: &Dataframe{Columns: out.Columns, Rows: out.Rows}}, nil
	}

	var scalar any
	if len(out.Scalar) > 0 {
		if err := json.Unmarshal(out.Scalar, &scalar); err != nil {
			return nil, fmt.Errorf("cellexec: parse scalar result: %w", err)
		}
	}
	return &ExecResult{Scalar: scalar}, nil
}

func (e *ScriptExecutor) interpreterCommand() (string, []string, error) {
	harness := os.Getenv("CASCADE_SCRIPT_HARNESS_DIR")
	switch e.Language {
	case "python":
		return "python3", []string{harnessPath(harness, "python_harness.py")}, nil
	case "javascript":
		return "node", []string{harnessPath(harness, "js_harness.js")}, nil
	case "clojure":
		return "clojure", []string{harnessPath(harness, "clj_harness.clj")}, nil
	default:
		return "", nil, fmt.Errorf("cellexec: unsupported script language %q", e.Language)
	}
}

func harnessPath(dir, file string) string {
	if dir == "" {
		return file
	}
	return dir + "/" + file
}
