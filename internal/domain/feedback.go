package domain

import "time"

// Feedback is free-text guidance sent by the human outside the
// question/answer protocol. Each message is handed back to the agent in
// exactly one log_step response; delivery is at-most-once.
type Feedback struct {
	ID          string
	SessionID   string
	Text        string
	CreatedAt   time.Time
	Delivered   bool
	DeliveredAt *time.Time
}
