// Package notify decides when a state transition is notification-worthy
// and hands each occurrence to the external transport at most once.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
)

// Transport delivers notifications to the human-facing channel. The
// transport owns its own retry policy; the dispatcher only logs failures.
type Transport interface {
	Send(ctx context.Context, n domain.Notification) error
}

// Dispatcher forwards claimed notifications to the transport without
// blocking the state transition that triggered them. At-most-once
// semantics come from the dispatch markers the engine and sweeper claim
// transactionally before calling Dispatch.
type Dispatcher struct {
	transport Transport
	timeout   time.Duration
}

// NewDispatcher creates a Dispatcher. transport may be nil, in which case
// occurrences are only logged.
func NewDispatcher(transport Transport) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		timeout:   30 * time.Second,
	}
}

// Dispatch hands the notification to the transport on its own goroutine.
func (d *Dispatcher) Dispatch(n domain.Notification) {
	if d.transport == nil {
		slog.Info("notification (no transport configured)",
			"session_id", n.SessionID, "kind", n.Kind, "summary", n.Summary)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.transport.Send(ctx, n); err != nil {
			slog.Error("notification transport failed",
				"session_id", n.SessionID, "kind", n.Kind, "error", err)
			return
		}
		slog.Info("notification dispatched",
			"session_id", n.SessionID, "kind", n.Kind)
	}()
}
