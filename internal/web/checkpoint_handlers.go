package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cascadeforge/cascade/internal/checkpoint"
)

// handleCheckpointList implements GET /checkpoints?session_id=&include_all=.
func (s *Server) handleCheckpointList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	includeAll := q.Get("include_all") == "true"

	list, err := s.ckpts.List(sessionID, includeAll)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type checkpointRespondRequest struct {
	Response   json.RawMessage `json:"response"`
	Reasoning  *string         `json:"reasoning,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	Winner     *string         `json:"winner,omitempty"`
	Rankings   json.RawMessage `json:"rankings,omitempty"`
}

// handleCheckpointRespond implements POST /checkpoint/:id/respond. The
// cell blocked in checkpoint.Manager.Wait wakes as soon as Respond commits.
func (s *Server) handleCheckpointRespond(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req checkpointRespondRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	err := s.ckpts.Respond(id, checkpoint.Response{
		Value:      req.Response,
		Reasoning:  req.Reasoning,
		Confidence: req.Confidence,
		Winner:     req.Winner,
		Rankings:   req.Rankings,
	})
	if err != nil {
		s.writeCheckpointError(w, err)
		return
	}

	cp, err := s.ckpts.Get(id)
	if err != nil {
		s.writeCheckpointError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

type checkpointCancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleCheckpointCancel implements POST /checkpoint/:id/cancel.
func (s *Server) handleCheckpointCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req checkpointCancelRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.ckpts.Cancel(id, req.Reason); err != nil {
		s.writeCheckpointError(w, err)
		return
	}

	cp, err := s.ckpts.Get(id)
	if err != nil {
		s.writeCheckpointError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) writeCheckpointError(w http.ResponseWriter, err error) {
	switch err {
	case checkpoint.ErrNotFound:
		writeError(w, http.StatusNotFound, err)
	case checkpoint.ErrNotPending:
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
