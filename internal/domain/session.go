// Package domain defines the persisted entities of the session engine.
package domain

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive        Status = "ACTIVE"
	StatusAwaitingInput Status = "AWAITING_INPUT"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
)

// Closed reports whether the status is terminal.
func (s Status) Closed() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusAwaitingInput, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Session is one agent run. Sessions are never destroyed; retention is an
// external concern.
type Session struct {
	ID              string
	AgentType       string
	AgentInstanceID string
	Status          Status
	CreatedAt       time.Time
	LastActivityAt  time.Time
	EndedAt         *time.Time
}

// SessionSummary is the dashboard overview of a session: the latest step,
// step count, and pending question age, without the full history.
type SessionSummary struct {
	Session
	LatestStep         string
	StepCount          int
	PendingQuestion    *Question
	PendingQuestionAge time.Duration
}

// SessionDetail is the full read model of a session.
type SessionDetail struct {
	Session
	Steps     []Step
	Questions []Question
	Feedback  []Feedback
}
