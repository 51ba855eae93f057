package agent

import "testing"

func TestSanitizeDropsEmptyMessages(t *testing.T) {
	in := []Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: ""},
	}
	out := sanitize(in, false)
	if len(out) != 1 || out[0].Content != "hello" {
		t.Fatalf("expected empty message dropped, got %+v", out)
	}
}

func TestSanitizeKeepsToolCallsWithoutContent(t *testing.T) {
	in := []Message{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "t1", Name: "lookup", Arguments: "{}"}}},
	}
	out := sanitize(in, false)
	if len(out) != 1 {
		t.Fatalf("expected tool-call-only message kept, got %d", len(out))
	}
}

func TestSanitizePromptBasedToolsStripsToolRoleAndFields(t *testing.T) {
	in := []Message{
		{Role: "user", Content: "do it"},
		{Role: "assistant", Content: "ok", ToolCalls: []ToolCall{{ID: "t1", Name: "x"}}, ToolCallID: "t1"},
		{Role: "tool", Content: "result", ToolCallID: "t1"},
	}
	out := sanitize(in, true)
	if len(out) != 2 {
		t.Fatalf("expected tool-role message dropped, got %d messages", len(out))
	}
	if len(out[1].ToolCalls) != 0 || out[1].ToolCallID != "" {
		t.Fatalf("expected tool_calls/tool_call_id stripped, got %+v", out[1])
	}
}

func TestSanitizeOnlyFieldsKept(t *testing.T) {
	in := []Message{
		{Role: "user", Content: "hi", Name: "alice", ToolCallID: "ignored-without-tools"},
	}
	out := sanitize(in, false)
	if out[0].Name != "alice" {
		t.Fatalf("expected Name preserved, got %+v", out[0])
	}
}
