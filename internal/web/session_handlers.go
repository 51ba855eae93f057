package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cascadeforge/cascade/internal/sessionstore"
	"github.com/google/uuid"
)

type sessionStartRequest struct {
	CascadeID string         `json:"cascade_id"`
	Path      string         `json:"path"`
	Inputs    map[string]any `json:"inputs"`
	LeaseSecs int            `json:"lease_seconds,omitempty"`
}

type sessionStartResponse struct {
	SessionID string `json:"session_id"`
}

// handleSessionStart implements POST /session/start (spec §6): resolve the
// named or path-given cascade, then launch its run detached from the
// request so the HTTP response can return session_id immediately.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	ref := req.CascadeID
	if ref == "" {
		ref = req.Path
	}
	if ref == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("cascade_id or path is required"))
		return
	}

	spec, err := s.registry.Resolve(ref)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("resolve cascade %q: %w", ref, err))
		return
	}

	lease := req.LeaseSecs
	if lease <= 0 {
		lease = s.leaseSecs
	}

	sessionID := uuid.NewString()
	go s.run.Run(context.Background(), sessionID, spec, req.Inputs, lease)

	writeJSON(w, http.StatusAccepted, sessionStartResponse{SessionID: sessionID})
}

// handleSessionGet implements GET /session/:id.
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.writeSessionLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type sessionCancelRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force,omitempty"`
}

// handleSessionCancel implements POST /session/:id/cancel. Without force
// it only requests cancellation, which the runner honors cooperatively at
// the next cell boundary; with force it also finalizes the session to
// cancelled immediately and releases any checkpoint it is currently
// blocked on, for sessions stuck waiting on a human response that will
// never come.
func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sessionCancelRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		s.writeSessionLookupError(w, err)
		return
	}

	if err := s.sessions.RequestCancellation(id, req.Reason); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	if req.Force {
		if sess.LastCheckpointID != nil && *sess.LastCheckpointID != "" {
			_ = s.ckpts.Cancel(*sess.LastCheckpointID, req.Reason)
		}
		if err := s.sessions.Cancel(id, req.Reason); err != nil && err != sessionstore.ErrTerminal {
			writeError(w, http.StatusConflict, err)
			return
		}
	}

	updated, err := s.sessions.Get(id)
	if err != nil {
		s.writeSessionLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleSessionList implements GET /sessions?status=&cascade_id=&active_only=&limit=.
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var statusFilter *sessionstore.Status
	if raw := q.Get("status"); raw != "" {
		st := sessionstore.Status(raw)
		statusFilter = &st
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}

	sessions, err := s.sessions.List(statusFilter, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	cascadeID := q.Get("cascade_id")
	activeOnly := q.Get("active_only") == "true"
	filtered := sessions[:0]
	for _, sess := range sessions {
		if cascadeID != "" && sess.CascadeID != cascadeID {
			continue
		}
		if activeOnly && sess.Status.IsTerminal() {
			continue
		}
		filtered = append(filtered, sess)
	}

	writeJSON(w, http.StatusOK, filtered)
}

func (s *Server) writeSessionLookupError(w http.ResponseWriter, err error) {
	if err == sessionstore.ErrNotFound {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
