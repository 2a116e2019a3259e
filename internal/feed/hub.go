// Package feed provides the WebSocket-based live activity feed for
// dashboard clients.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event is one live activity item broadcast to subscribers. The feed is
// best-effort: it carries no dispatch markers and drops events for slow
// clients rather than blocking writers.
type Event struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
	At        time.Time `json:"at"`
}

// Hub fans session events out to connected dashboard clients.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]bool
}

type subscriber struct {
	ch chan Event
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[*subscriber]bool),
	}
}

// SessionEvent implements the engine's feed sink.
func (h *Hub) SessionEvent(sessionID, kind, payload string) {
	h.broadcast(Event{
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		At:        time.Now(),
	})
}

func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow client: drop rather than stall the write path.
			slog.Debug("feed subscriber lagging, event dropped", "kind", ev.Kind)
		}
	}
}

func (h *Hub) subscribe() *subscriber {
	sub := &subscriber{ch: make(chan Event, 64)}
	h.mu.Lock()
	h.subs[sub] = true
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// SubscriberCount returns the number of connected feed clients.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Serve upgrades the request to a WebSocket and streams events until the
// client disconnects or the context is canceled.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) {
	sub := h.subscribe()
	defer h.unsubscribe(sub)

	for {
		select {
		case ev := <-sub.ch:
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("failed to encode feed event", "error", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				slog.Debug("feed write failed, closing subscriber", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
