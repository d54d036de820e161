package api

import (
	"encoding/json"
	"sync"

	"github.com/nanoclaw/nanoclaw/pkg/governance"
)

// eventBufferSize bounds each subscriber's backlog; a slow SSE client drops
// events rather than blocking the governance loop (spec §5: loops must not
// block on a shared resource).
const eventBufferSize = 64

// Hub fans governance activity events out to every subscribed SSE client.
// The subscriber-map-keyed-by-id shape is adapted from the teacher's
// events.ConnectionManager (pkg/events/manager.go), trading its WebSocket
// push transport for text/event-stream (SPEC_FULL.md §6).
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan []byte
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan []byte)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function the caller must invoke when the connection closes.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	ch := make(chan []byte, eventBufferSize)
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		close(ch)
	}
}

// Publish implements governance.EventPublisher: it marshals the event and
// fans it out to every current subscriber, dropping it for any subscriber
// whose buffer is full rather than blocking the caller.
func (h *Hub) Publish(ev governance.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
}
