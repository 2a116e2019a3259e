package domain

import "time"

// Step is one reported unit of agent progress. Steps are immutable once
// created; Seq is assigned by the engine, never by the caller, and is
// strictly increasing within a session.
type Step struct {
	ID          string
	SessionID   string
	Seq         int64
	Description string
	CreatedAt   time.Time
}
