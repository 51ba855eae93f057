package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/afero"

	"github.com/cascadeforge/cascade/internal/agent"
	"github.com/cascadeforge/cascade/internal/cascade"
	"github.com/cascadeforge/cascade/internal/cellexec"
	"github.com/cascadeforge/cascade/internal/cellmachine"
	"github.com/cascadeforge/cascade/internal/checkpoint"
	"github.com/cascadeforge/cascade/internal/hub"
	"github.com/cascadeforge/cascade/internal/logstore"
	"github.com/cascadeforge/cascade/internal/runner"
	"github.com/cascadeforge/cascade/internal/sessiondb"
	"github.com/cascadeforge/cascade/internal/sessionstore"
)

type stubLLMClient struct{ content string }

func (s *stubLLMClient) Run(ctx context.Context, messages []agent.Message, tools []agent.ToolSpec, opts agent.Options) (*agent.Result, error) {
	return &agent.Result{Content: s.content}, nil
}

const demoCascadeYAML = `
cascade_id: demo
cells:
  - name: only
    instructions: "say something"
`

func newTestServer(t *testing.T) *Server {
	t.Helper()

	sessions, err := sessionstore.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("sessionstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	logs, err := logstore.Open(filepath.Join(t.TempDir(), "log.db"))
	if err != nil {
		t.Fatalf("logstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = logs.Close() })

	h := hub.New()
	dbs := sessiondb.NewManager(afero.NewOsFs(), t.TempDir())

	ckpts, err := checkpoint.New(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("checkpoint.New: %v", err)
	}
	t.Cleanup(func() { _ = ckpts.Close() })

	executors := cellexec.NewRegistry(cellexec.CommandRunner{}, nil, nil)
	machine := cellmachine.New(cellmachine.NewSkillRegistry(), ckpts, executors, nil)
	client := &stubLLMClient{content: "done"}
	run := runner.New(sessions, logs, h, dbs, machine, client)

	specDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(specDir, "demo.yaml"), []byte(demoCascadeYAML), 0o644); err != nil {
		t.Fatalf("write cascade fixture: %v", err)
	}
	registry, err := cascade.NewRegistry(specDir)
	if err != nil {
		t.Fatalf("cascade.NewRegistry: %v", err)
	}

	return NewServer(registry, sessions, ckpts, run, 60)
}

func makeRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("result content is %T, not TextContent", result.Content[0])
	}
	return tc.Text
}

func TestHandleRunCascadeMissingID(t *testing.T) {
	s := newTestServer(t)
	req := makeRequest("run_cascade", map[string]any{})

	result, err := s.handleRunCascade(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error result when cascade_id is missing")
	}
}

func TestHandleRunCascadeUnknownID(t *testing.T) {
	s := newTestServer(t)
	req := makeRequest("run_cascade", map[string]any{"cascade_id": "nope"})

	result, err := s.handleRunCascade(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error result for an unregistered cascade_id")
	}
}

func TestHandleRunCascadeAndGetSession(t *testing.T) {
	s := newTestServer(t)
	req := makeRequest("run_cascade", map[string]any{
		"cascade_id": "demo",
		"inputs":     map[string]any{"topic": "widgets"},
	})

	result, err := s.handleRunCascade(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	var started runCascadeResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &started); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if started.SessionID == "" {
		t.Fatal("expected a non-empty session_id")
	}

	deadline := 0
	for deadline < 200 {
		sess, err := s.sessions.Get(started.SessionID)
		if err == nil && sess.Status.IsTerminal() {
			break
		}
		deadline++
	}

	getReq := makeRequest("get_session", map[string]any{"session_id": started.SessionID})
	getResult, err := s.handleGetSession(context.Background(), getReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if getResult.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, getResult))
	}
}

func TestHandleGetSessionNotFound(t *testing.T) {
	s := newTestServer(t)
	req := makeRequest("get_session", map[string]any{"session_id": "does-not-exist"})

	result, err := s.handleGetSession(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error result for an unknown session_id")
	}
}

func TestHandleListCheckpointsScoped(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.ckpts.Create(checkpoint.Checkpoint{ID: "ckpt-1", SessionID: "s1", CascadeID: "demo", Cell: "review", Type: checkpoint.TypeConfirmation}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.ckpts.Create(checkpoint.Checkpoint{ID: "ckpt-2", SessionID: "s2", CascadeID: "demo", Cell: "review", Type: checkpoint.TypeConfirmation}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := makeRequest("list_checkpoints", map[string]any{"session_id": "s1"})
	result, err := s.handleListCheckpoints(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	var pending []checkpoint.Checkpoint
	if err := json.Unmarshal([]byte(resultText(t, result)), &pending); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "ckpt-1" {
		t.Fatalf("expected only ckpt-1, got %+v", pending)
	}
}

func TestHandleRespondCheckpoint(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.ckpts.Create(checkpoint.Checkpoint{ID: "ckpt-resp", SessionID: "s1", CascadeID: "demo", Cell: "review", Type: checkpoint.TypeConfirmation}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := makeRequest("respond_checkpoint", map[string]any{
		"checkpoint_id": "ckpt-resp",
		"response":      true,
	})
	result, err := s.handleRespondCheckpoint(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	cp, err := s.ckpts.Get("ckpt-resp")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cp.Status != checkpoint.StatusResponded {
		t.Fatalf("expected responded status, got %v", cp.Status)
	}
}

func TestHandleRespondCheckpointMissingID(t *testing.T) {
	s := newTestServer(t)
	req := makeRequest("respond_checkpoint", map[string]any{"response": true})

	result, err := s.handleRespondCheckpoint(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error result when checkpoint_id is missing")
	}
}
