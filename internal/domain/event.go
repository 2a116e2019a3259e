package domain

import "time"

// EventKind classifies a canonical event produced by an interception
// proxy's normalizer.
type EventKind string

const (
	EventStep       EventKind = "STEP"
	EventQuestion   EventKind = "QUESTION"
	EventAnswer     EventKind = "ANSWER"
	EventSessionEnd EventKind = "SESSION_END"
)

// Event is the canonical shape of reconstructed agent activity. The engine
// never branches on which provider-specific proxy produced it.
type Event struct {
	AgentType       string    `json:"agent_type"`
	AgentInstanceID string    `json:"agent_instance_id"`
	Kind            EventKind `json:"kind"`
	Payload         string    `json:"payload"`
	ObservedAt      time.Time `json:"observed_at"`
}
