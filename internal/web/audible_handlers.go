package web

import "net/http"

// handleAudibleSignal implements POST /audible/signal/:session_id: sets the
// session's audible flag in the checkpoint manager. The runner does not
// read that flag, so no checkpoint is inserted.
func (s *Server) handleAudibleSignal(w http.ResponseWriter, r *http.Request) {
	s.ckpts.Signal(r.PathValue("session_id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAudibleClear implements POST /audible/clear/:session_id.
func (s *Server) handleAudibleClear(w http.ResponseWriter, r *http.Request) {
	s.ckpts.Clear(r.PathValue("session_id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
