package engine

import "errors"

// Protocol outcomes surfaced verbatim to writers. All of these are
// terminal for the call that produced them; only ErrStoreUnavailable
// indicates a persistence failure a caller may safely retry with its own
// idempotency key.
var (
	// ErrValidation is returned for malformed identifiers or text,
	// rejected before any state change.
	ErrValidation = errors.New("validation error")

	// ErrSessionNotFound is returned when a session id resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateInstance is returned when an ACTIVE or AWAITING_INPUT
	// session already exists for the agent instance id with a different
	// agent type.
	ErrDuplicateInstance = errors.New("duplicate agent instance")

	// ErrSessionClosed is returned for writes against a COMPLETED or
	// FAILED session.
	ErrSessionClosed = errors.New("session closed")

	// ErrQuestionAlreadyOpen is returned when a session already has an
	// OPEN question.
	ErrQuestionAlreadyOpen = errors.New("question already open")

	// ErrQuestionStillOpen is returned by end when the session's question
	// has not been answered or expired.
	ErrQuestionStillOpen = errors.New("question still open")

	// ErrQuestionNotFound is returned when a question id resolves to nothing.
	ErrQuestionNotFound = errors.New("question not found")

	// ErrQuestionAlreadyResolved is returned when answering or expiring a
	// question that is no longer OPEN.
	ErrQuestionAlreadyResolved = errors.New("question already resolved")

	// ErrStoreUnavailable wraps persistence collaborator failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)

var protocolErrors = []error{
	ErrValidation,
	ErrSessionNotFound,
	ErrDuplicateInstance,
	ErrSessionClosed,
	ErrQuestionAlreadyOpen,
	ErrQuestionStillOpen,
	ErrQuestionNotFound,
	ErrQuestionAlreadyResolved,
}

// IsProtocolError reports whether err is one of the caller-visible
// protocol outcomes, as opposed to a store failure.
func IsProtocolError(err error) bool {
	for _, p := range protocolErrors {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}
