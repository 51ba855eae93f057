package web

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEventStream implements GET /events/:session_id: a server-sent
// events stream of the session's lifecycle events (spec §4.9), replaying
// whatever the hub has buffered so far before switching to live delivery.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := s.hub.Subscribe(sessionID)
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload)
			flusher.Flush()
		}
	}
}
