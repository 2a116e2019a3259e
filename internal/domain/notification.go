package domain

// NotificationKind classifies a dispatch-worthy state transition.
type NotificationKind string

const (
	NotifyQuestionOpened NotificationKind = "question_opened"
	NotifyAwaitingIdle   NotificationKind = "awaiting_idle"
	NotifySessionEnded   NotificationKind = "session_ended"
)

// Notification is the payload handed to the external notification
// transport, one per dispatch-worthy transition.
type Notification struct {
	SessionID string           `json:"session_id"`
	Kind      NotificationKind `json:"kind"`
	Summary   string           `json:"summary"`
}
