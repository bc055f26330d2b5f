// Package sse streams relayed publications to operators over
// Server-Sent Events.
package sse

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/rjsadow/attentive/internal/pubsub"
)

const (
	// clientBufSize is the per-client event channel buffer. Slow clients
	// miss events rather than stall the relay.
	clientBufSize = 32

	// heartbeatInterval keeps the connection alive through proxies.
	heartbeatInterval = 30 * time.Second
)

// sseEvent is the payload written to each client's channel.
type sseEvent struct {
	Event string // channel name
	Data  []byte
}

// client represents a single connected EventSource. An empty sessionID
// receives every session.
type client struct {
	sessionID string
	ch        chan sseEvent
}

// Hub implements pubsub.Publisher (as a tap behind the primary publisher)
// and http.Handler (the SSE endpoint). Messages are fanned out to clients
// filtered by session ID.
type Hub struct {
	clock clock.WithTicker

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates an SSE hub.
func NewHub() *Hub {
	return NewHubWithClock(clock.RealClock{})
}

// NewHubWithClock creates a hub whose heartbeats use clk.
func NewHubWithClock(clk clock.WithTicker) *Hub {
	return &Hub{
		clock:   clk,
		clients: make(map[*client]struct{}),
	}
}

// Publish implements pubsub.Publisher with a non-blocking fan-out. It
// never fails; messages without a session ID only reach unfiltered
// clients.
func (h *Hub) Publish(_ context.Context, channel string, msg []byte) error {
	sessionID := pubsub.SessionID(msg)
	ev := sseEvent{Event: channel, Data: msg}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.sessionID != "" && c.sessionID != sessionID {
			continue
		}
		select {
		case c.ch <- ev:
		default:
			// Client buffer full; drop.
		}
	}
	return nil
}

// ServeHTTP serves GET /api/channels/events?sessionId=...
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy buffering

	c := &client{
		sessionID: r.URL.Query().Get("sessionId"),
		ch:        make(chan sseEvent, clientBufSize),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	heartbeat := h.clock.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
			flusher.Flush()
		case <-heartbeat.C():
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// ClientCount returns the number of connected SSE clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
