package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cascadeforge/cascade/internal/checkpoint"
	"github.com/google/uuid"
)

// --- Tool definitions ---

func runCascadeTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"run_cascade",
		"Start a cascade run by cascade_id (or file path) and return its session_id immediately; the run continues in the background and may block on a human-in-the-loop checkpoint.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"cascade_id": {
					"type": "string",
					"description": "Registered cascade_id, or a filesystem path to a cascade spec"
				},
				"inputs": {
					"type": "object",
					"description": "Named inputs the cascade's first cell renders against"
				},
				"lease_seconds": {
					"type": "integer",
					"description": "Heartbeat lease override in seconds (optional)"
				}
			},
			"required": ["cascade_id"]
		}`),
	)
}

func getSessionTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_session",
		"Fetch a cascade session's current status, current cell, blocked state, and output (once completed).",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "The session_id returned by run_cascade"
				}
			},
			"required": ["session_id"]
		}`),
	)
}

func listCheckpointsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_checkpoints",
		"List pending human-in-the-loop checkpoints, optionally scoped to one session.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "Restrict to one session's checkpoints (optional)"
				}
			}
		}`),
	)
}

func respondCheckpointTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"respond_checkpoint",
		"Resolve a pending checkpoint with a response, unblocking the cell waiting on it.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"checkpoint_id": {
					"type": "string",
					"description": "The checkpoint id from list_checkpoints"
				},
				"response": {
					"description": "The response value; shape depends on the checkpoint's type"
				},
				"reasoning": {
					"type": "string",
					"description": "Optional rationale recorded alongside the response"
				}
			},
			"required": ["checkpoint_id", "response"]
		}`),
	)
}

// --- Tool handlers ---

type runCascadeArgs struct {
	CascadeID    string         `json:"cascade_id"`
	Inputs       map[string]any `json:"inputs"`
	LeaseSeconds int            `json:"lease_seconds"`
}

type runCascadeResult struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleRunCascade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args runCascadeArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.CascadeID == "" {
		return mcp.NewToolResultError("cascade_id is required"), nil
	}

	spec, err := s.registry.Resolve(args.CascadeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve cascade %q: %v", args.CascadeID, err)), nil
	}

	lease := args.LeaseSeconds
	if lease <= 0 {
		lease = s.leaseSecs
	}

	sessionID := uuid.NewString()
	go s.run.Run(context.Background(), sessionID, spec, args.Inputs, lease)

	return resultJSON(runCascadeResult{SessionID: sessionID})
}

type getSessionArgs struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args getSessionArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.SessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	sess, err := s.sessions.Get(args.SessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get session %s: %v", args.SessionID, err)), nil
	}
	return resultJSON(sess)
}

type listCheckpointsArgs struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleListCheckpoints(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args listCheckpointsArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	pending, err := s.ckpts.ListPending(args.SessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list checkpoints: %v", err)), nil
	}
	return resultJSON(pending)
}

type respondCheckpointArgs struct {
	CheckpointID string          `json:"checkpoint_id"`
	Response     json.RawMessage `json:"response"`
	Reasoning    *string         `json:"reasoning"`
}

func (s *Server) handleRespondCheckpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args respondCheckpointArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.CheckpointID == "" {
		return mcp.NewToolResultError("checkpoint_id is required"), nil
	}

	resp := checkpoint.Response{Value: args.Response, Reasoning: args.Reasoning}
	if err := s.ckpts.Respond(args.CheckpointID, resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("respond to checkpoint %s: %v", args.CheckpointID, err)), nil
	}

	cp, err := s.ckpts.Get(args.CheckpointID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get checkpoint %s: %v", args.CheckpointID, err)), nil
	}
	return resultJSON(cp)
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
