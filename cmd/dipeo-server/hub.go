package main

import (
	"context"
	"sync"

	"github.com/dipeo/dipeo/common/events"
)

// client is one SSE subscriber scoped to a single execution.
type client struct {
	executionID string
	send        chan events.UpdateFrame
}

// hub fans execution update frames out to SSE subscribers. It implements
// observers.Router, so the monitor observer pushes frames here directly.
type hub struct {
	// Map: execution ID -> subscribers for that execution.
	connections map[string][]*client
	mutex       sync.RWMutex

	register   chan *client
	unregister chan *client
	frames     chan events.UpdateFrame
}

func newHub() *hub {
	return &hub{
		connections: make(map[string][]*client),
		register:    make(chan *client),
		unregister:  make(chan *client),
		frames:      make(chan events.UpdateFrame, 256),
	}
}

// Push hands a frame to the broadcast loop. It never blocks event
// delivery: when the loop is saturated the frame is dropped, and a
// reconnecting client recovers it through replay.
func (h *hub) Push(frame events.UpdateFrame) {
	select {
	case h.frames <- frame:
	default:
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.registerClient(c)
		case c := <-h.unregister:
			h.unregisterClient(c)
		case frame := <-h.frames:
			h.broadcast(frame)
		case <-ctx.Done():
			return
		}
	}
}

func (h *hub) subscribe(executionID string) *client {
	c := &client{
		executionID: executionID,
		send:        make(chan events.UpdateFrame, 64),
	}
	h.register <- c
	return c
}

func (h *hub) registerClient(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.connections[c.executionID] = append(h.connections[c.executionID], c)
}

func (h *hub) unregisterClient(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	clients := h.connections[c.executionID]
	for i, existing := range clients {
		if existing == c {
			h.connections[c.executionID] = append(clients[:i], clients[i+1:]...)
			close(c.send)
			if len(h.connections[c.executionID]) == 0 {
				delete(h.connections, c.executionID)
			}
			return
		}
	}
}

func (h *hub) broadcast(frame events.UpdateFrame) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, c := range h.connections[frame.ExecutionID] {
		select {
		case c.send <- frame:
		default:
			// Subscriber is not draining; drop rather than stall the loop.
		}
	}
}

func (h *hub) connectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	count := 0
	for _, clients := range h.connections {
		count += len(clients)
	}
	return count
}
