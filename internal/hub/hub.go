// Package hub fans out cascade lifecycle events to live subscribers
// (SSE clients) while also publishing to whatever durable/in-memory
// sinks are registered, so the same Publish call reaches every registered
// sink as well as SSE clients.
package hub

import "sync"

const defaultBufferCap = 1000

// EventKind is the lifecycle-event vocabulary the runner publishes.
type EventKind string

const (
	EventCascadeStart      EventKind = "cascade_start"
	EventCellStart         EventKind = "cell_start"
	EventTurnStart         EventKind = "turn_start"
	EventToolCall          EventKind = "tool_call"
	EventToolResult        EventKind = "tool_result"
	EventSoundingAttempt   EventKind = "sounding_attempt"
	EventEvaluator         EventKind = "evaluator"
	EventReforgeStep       EventKind = "reforge_step"
	EventCostUpdate        EventKind = "cost_update"
	EventCellComplete      EventKind = "cell_complete"
	EventCascadeComplete   EventKind = "cascade_complete"
	EventCascadeError      EventKind = "cascade_error"
	EventAudibleSignal     EventKind = "audible_signal"
	EventCheckpointCreated EventKind = "checkpoint_created"
	EventCheckpointResponded EventKind = "checkpoint_responded"
)

// Event is one lifecycle event carried on the bus. Payload is kind-specific
// and JSON-encodable (rendered straight into the SSE `data:` line and into
// the durable log row's content column).
type Event struct {
	Kind      EventKind      `json:"kind"`
	SessionID string         `json:"session_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
	CascadeID string         `json:"cascade_id,omitempty"`
	Cell      string         `json:"cell,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink receives every published event, in publish order, for a given
// session. Sinks must not block the publisher for long; slow sinks should
// queue internally.
type Sink interface {
	Receive(Event)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(Event)

// Receive implements Sink.
func (f SinkFunc) Receive(e Event) { f(e) }

// session holds per-session SSE fan-out state: a circular replay buffer
// plus the set of currently subscribed client channels.
type session struct {
	buf     []Event
	pos     int
	clients map[chan Event]struct{}
	done    bool
}

func (s *session) events() []Event {
	n := len(s.buf)
	if n == 0 || s.pos == 0 {
		return s.buf
	}
	out := make([]Event, n)
	copy(out, s.buf[s.pos:])
	copy(out[n-s.pos:], s.buf[:s.pos])
	return out
}

func (s *session) append(e Event) {
	if len(s.buf) < cap(s.buf) {
		s.buf = append(s.buf, e)
	} else {
		s.buf[s.pos] = e
	}
	s.pos = (s.pos + 1) % cap(s.buf)
}

// Hub is the process-wide event bus: it fans lifecycle events out to SSE
// subscribers and to any registered durable/in-memory Sinks.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session
	sinks    []Sink
}

// New creates a Hub with the given sinks attached at construction so every
// Publish call reaches each of them without the caller wiring it per-call.
func New(sinks ...Sink) *Hub {
	return &Hub{
		sessions: make(map[string]*session),
		sinks:    sinks,
	}
}

// AddSink registers an additional sink after construction.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

func (h *Hub) getOrCreate(id string) *session {
	s, ok := h.sessions[id]
	if !ok {
		s = &session{
			buf:     make([]Event, 0, defaultBufferCap),
			clients: make(map[chan Event]struct{}),
		}
		h.sessions[id] = s
	}
	return s
}

// Publish fans an event out to every sink, then to live SSE subscribers of
// its session. Sink delivery happens even for a session already closed for
// SSE purposes (durable logging must never silently drop an event).
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	sinks := h.sinks
	s := h.getOrCreate(e.SessionID)
	var clients []chan Event
	if !s.done {
		s.append(e)
		for ch := range s.clients {
			clients = append(clients, ch)
		}
	}
	h.mu.Unlock()

	for _, sink := range sinks {
		sink.Receive(e)
	}
	for _, ch := range clients {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving future events for sessionID (after
// replaying buffered history) and an unsubscribe function.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.getOrCreate(sessionID)
	ch := make(chan Event, defaultBufferCap+64)

	for _, e := range s.events() {
		ch <- e
	}

	if s.done {
		close(ch)
		return ch, func() {}
	}

	s.clients[ch] = struct{}{}
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(s.clients, ch)
	}
	return ch, unsubscribe
}

// Close marks sessionID's live stream finished and closes all of its
// current SSE subscriber channels. Sinks still receive events published
// for this session before Close; Close itself is not forwarded to sinks.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	s.done = true
	for ch := range s.clients {
		close(ch)
	}
	s.clients = nil
}

// Remove deletes a session's replay buffer entirely, freeing its memory.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	for ch := range s.clients {
		close(ch)
	}
	delete(h.sessions, sessionID)
}
