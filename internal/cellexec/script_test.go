package cellexec

import (
	"context"
	"strings"
	"testing"
)

type fakeRunner struct {
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, _ string, _ []string, _ string) (string, string, error) {
	return f.stdout, f.stderr, f.err
}

func TestScriptExecutorReturnsDataframe(t *testing.T) {
	runner := &fakeRunner{stdout: `{"columns":["id"],"rows":[[1],[2]]}`}
	e := &ScriptExecutor{Runner: runner, Language: "python"}

	res, err := e.Execute(context.Background(), nil, "cell1", "result = data.prev", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Dataframe == nil || len(res.Dataframe.Rows) != 2 {
		t.Fatalf("expected dataframe with 2 rows, got %+v", res)
	}
}

func TestScriptExecutorReturnsScalar(t *testing.T) {
	runner := &fakeRunner{stdout: `{"scalar":42}`}
	e := &ScriptExecutor{Runner: runner, Language: "python"}

	res, err := e.Execute(context.Background(), nil, "cell1", "result = 42", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Scalar != float64(42) {
		t.Fatalf("expected scalar 42, got %v", res.Scalar)
	}
}

func TestScriptExecutorErrorEnvelope(t *testing.T) {
	runner := &fakeRunner{stdout: `{"_route":"error","error":"division by zero","traceback":"line 3"}`}
	e := &ScriptExecutor{Runner: runner, Language: "python"}

	_, err := e.Execute(context.Background(), nil, "cell1", "result = 1/0", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	execErr, ok := err.(*ExecError)
	if !ok {
		t.Fatalf("expected *ExecError, got %T", err)
	}
	if execErr.Message != "division by zero" {
		t.Fatalf("unexpected message: %q", execErr.Message)
	}
}

func TestScriptExecutorPassesPriorDataframes(t *testing.T) {
	var captured string
	runner := &capturingRunner{fakeRunner: fakeRunner{stdout: `{"scalar":1}`}}
	e := &ScriptExecutor{Runner: runner, Language: "python"}

	prior := map[string]Dataframe{"extract": {Columns: []string{"id"}, Rows: [][]any{{1}}}}
	if _, err := e.Execute(context.Background(), nil, "cell2", "result = len(data.extract)", prior); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	captured = runner.lastStdin
	if !strings.Contains(captured, `"extract"`) {
		t.Fatalf("expected prior dataframe in stdin envelope, got %s", captured)
	}
}

type capturingRunner struct {
	fakeRunner
	lastStdin string
}

func (c *capturingRunner) Run(ctx context.Context, command string, args []string, stdin string) (string, string, error) {
	c.lastStdin = stdin
	return c.fakeRunner.Run(ctx, command, args, stdin)
}
