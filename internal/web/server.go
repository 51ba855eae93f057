// Package web exposes the HTTP surface for cascade execution: starting and
// inspecting cascade sessions, responding to or cancelling checkpoints,
// raising/clearing the audible signal, and streaming a session's lifecycle
// events over SSE as JSON consumed by an external client rather than a
// page this binary renders itself.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cascadeforge/cascade/api"
	"github.com/cascadeforge/cascade/internal/cascade"
	"github.com/cascadeforge/cascade/internal/checkpoint"
	"github.com/cascadeforge/cascade/internal/hub"
	"github.com/cascadeforge/cascade/internal/runner"
	"github.com/cascadeforge/cascade/internal/sessionstore"
)

// Server is the HTTP API server fronting one runner/session-store/
// checkpoint-manager/hub/cascade-registry set.
type Server struct {
	sessions  *sessionstore.Store
	ckpts     *checkpoint.Manager
	hub       *hub.Hub
	registry  *cascade.Registry
	run       *runner.Runner
	leaseSecs int

	mux    *http.ServeMux
	server *http.Server
}

// New builds a Server listening on addr. leaseSeconds is the default
// heartbeat lease for sessions started without an explicit override.
func New(addr string, sessions *sessionstore.Store, ckpts *checkpoint.Manager, h *hub.Hub, registry *cascade.Registry, run *runner.Runner, leaseSeconds int) *Server {
	s := &Server{
		sessions:  sessions,
		ckpts:     ckpts,
		hub:       h,
		registry:  registry,
		run:       run,
		leaseSecs: leaseSeconds,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams hold the connection open indefinitely
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /session/start", s.handleSessionStart)
	s.mux.HandleFunc("GET /session/{id}", s.handleSessionGet)
	s.mux.HandleFunc("POST /session/{id}/cancel", s.handleSessionCancel)
	s.mux.HandleFunc("GET /sessions", s.handleSessionList)

	s.mux.HandleFunc("GET /checkpoints", s.handleCheckpointList)
	s.mux.HandleFunc("POST /checkpoint/{id}/respond", s.handleCheckpointRespond)
	s.mux.HandleFunc("POST /checkpoint/{id}/cancel", s.handleCheckpointCancel)

	s.mux.HandleFunc("POST /audible/signal/{session_id}", s.handleAudibleSignal)
	s.mux.HandleFunc("POST /audible/clear/{session_id}", s.handleAudibleClear)

	s.mux.HandleFunc("GET /events/{session_id}", s.handleEventStream)

	s.mux.HandleFunc("GET /openapi.yaml", s.handleOpenAPISpec)
}

// handleOpenAPISpec serves the embedded OpenAPI description of this surface.
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.OpenAPISpec)
}

// Start begins serving; it blocks until Shutdown stops the server.
func (s *Server) Start() error {
	log.Printf("cascade API listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// (including open SSE streams) to drain or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
