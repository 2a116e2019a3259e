package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/store"
)

// StartIdleSweeper runs a background goroutine that periodically looks for
// sessions stuck in AWAITING_INPUT past the idle threshold and dispatches
// a reminder for each. The dispatch marker is keyed by the open question
// id, so re-evaluating the threshold on later ticks never re-notifies.
func StartIdleSweeper(ctx context.Context, repo store.Repository, d *Dispatcher, threshold, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("idle sweeper started", "interval", interval, "threshold", threshold)

		for {
			select {
			case <-ticker.C:
				SweepIdle(ctx, repo, d, threshold)
			case <-ctx.Done():
				slog.Info("idle sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepIdle performs a single idle-threshold evaluation pass.
func SweepIdle(ctx context.Context, repo store.Repository, d *Dispatcher, threshold time.Duration) {
	cutoff := time.Now().Add(-threshold)
	idle, err := repo.ListIdleAwaiting(ctx, cutoff)
	if err != nil {
		slog.Error("idle sweep failed to list sessions", "error", err)
		return
	}

	for _, candidate := range idle {
		var claimed bool
		questionID := candidate.Question.ID
		err := repo.Update(ctx, func(tx store.Tx) error {
			var claimErr error
			claimed, claimErr = tx.ClaimDispatch(domain.NotifyAwaitingIdle, questionID, time.Now())
			return claimErr
		})
		if err != nil {
			slog.Error("idle sweep failed to claim marker",
				"session_id", candidate.Session.ID, "question_id", questionID, "error", err)
			continue
		}
		if !claimed {
			continue
		}

		d.Dispatch(domain.Notification{
			SessionID: candidate.Session.ID,
			Kind:      domain.NotifyAwaitingIdle,
			Summary:   candidate.Question.Prompt,
		})
	}
}
