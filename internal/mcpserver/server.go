// Package mcpserver implements an MCP (Model Context Protocol) server that
// exposes cascade execution as typed tools over stdio JSON-RPC: starting a
// run, checking a session's state, listing its pending checkpoints, and
// responding to one. It wraps the same registry/runner/sessionstore/
// checkpoint collaborators internal/web fronts over HTTP, so an MCP-
// speaking agent gets the same capability surface a human UI does, with
// one mutating action per concern and every argument validated
// server-side before a handler touches a collaborator.
package mcpserver

import (
	"context"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/cascadeforge/cascade/internal/cascade"
	"github.com/cascadeforge/cascade/internal/checkpoint"
	"github.com/cascadeforge/cascade/internal/config"
	"github.com/cascadeforge/cascade/internal/runner"
	"github.com/cascadeforge/cascade/internal/sessionstore"
)

// Server holds the collaborators MCP tool handlers dispatch to.
type Server struct {
	registry  *cascade.Registry
	sessions  *sessionstore.Store
	ckpts     *checkpoint.Manager
	run       *runner.Runner
	leaseSecs int
}

// NewServer builds an MCP server backed by the given collaborators.
func NewServer(registry *cascade.Registry, sessions *sessionstore.Store, ckpts *checkpoint.Manager, run *runner.Runner, leaseSeconds int) *Server {
	return &Server{registry: registry, sessions: sessions, ckpts: ckpts, run: run, leaseSecs: leaseSeconds}
}

// Run starts the MCP stdio server, blocking until the context is cancelled
// or stdin is closed.
func (s *Server) Run(ctx context.Context) error {
	mcpServer := server.NewMCPServer(
		"cascaderunner",
		config.Version,
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTools(
		server.ServerTool{Tool: runCascadeTool(), Handler: s.handleRunCascade},
		server.ServerTool{Tool: getSessionTool(), Handler: s.handleGetSession},
		server.ServerTool{Tool: listCheckpointsTool(), Handler: s.handleListCheckpoints},
		server.ServerTool{Tool: respondCheckpointTool(), Handler: s.handleRespondCheckpoint},
	)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
