// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
)

// Repository is the only component allowed to read or write session state.
// Reads are plain queries; every read-check-write sequence goes through
// Update, which runs the callback inside a single write transaction so that
// sequence assignment and status transitions are linearizable per session.
type Repository interface {
	// GetSession retrieves a session by id. Returns nil, nil if absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// GetOpenSessionByInstance retrieves the ACTIVE or AWAITING_INPUT
	// session for an agent instance id. Returns nil, nil if absent.
	GetOpenSessionByInstance(ctx context.Context, instanceID string) (*domain.Session, error)

	// GetQuestion retrieves a question by id. Returns nil, nil if absent.
	GetQuestion(ctx context.Context, id string) (*domain.Question, error)

	// SessionDetail returns a session with its full step, question, and
	// feedback history. Returns nil, nil if the session is absent.
	SessionDetail(ctx context.Context, id string) (*domain.SessionDetail, error)

	// ListSessions returns summaries of all sessions, most recent first.
	ListSessions(ctx context.Context) ([]*domain.SessionSummary, error)

	// ListOpenQuestions returns all OPEN questions across sessions,
	// oldest first.
	ListOpenQuestions(ctx context.Context) ([]*domain.Question, error)

	// ListIdleAwaiting returns sessions that have been AWAITING_INPUT
	// with no activity since before the cutoff, paired with their open
	// question.
	ListIdleAwaiting(ctx context.Context, cutoff time.Time) ([]*IdleSession, error)

	// GetIdempotentResult returns the stored response for an idempotency
	// key, if any.
	GetIdempotentResult(ctx context.Context, key string) (*IdempotentResult, error)

	// PutIdempotentResult stores the first response observed for an
	// idempotency key. Later writes for the same key are ignored.
	PutIdempotentResult(ctx context.Context, key, operation, response string) error

	// Update runs fn inside a single write transaction.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Tx is the transactional surface available inside Repository.Update.
type Tx interface {
	// Session retrieves a session by id within the transaction.
	Session(id string) (*domain.Session, error)

	// OpenSessionByInstance retrieves the ACTIVE or AWAITING_INPUT
	// session for an agent instance id within the transaction.
	OpenSessionByInstance(instanceID string) (*domain.Session, error)

	// InsertSession appends a new session record.
	InsertSession(s *domain.Session) error

	// SetSessionStatus updates status and last-activity; endedAt is set
	// only for terminal transitions.
	SetSessionStatus(id string, status domain.Status, lastActivity time.Time, endedAt *time.Time) error

	// NextSeq returns the next step sequence number for a session.
	NextSeq(sessionID string) (int64, error)

	// InsertStep appends a step record.
	InsertStep(st *domain.Step) error

	// OpenQuestion returns the session's OPEN question, or nil.
	OpenQuestion(sessionID string) (*domain.Question, error)

	// Question retrieves a question by id within the transaction.
	Question(id string) (*domain.Question, error)

	// InsertQuestion appends a question record.
	InsertQuestion(q *domain.Question) error

	// ResolveQuestion sets a question to ANSWERED or EXPIRED.
	ResolveQuestion(id string, status domain.QuestionStatus, answer string, at time.Time) error

	// InsertFeedback appends a feedback record.
	InsertFeedback(f *domain.Feedback) error

	// UndeliveredFeedback returns the session's undelivered feedback,
	// oldest first.
	UndeliveredFeedback(sessionID string) ([]domain.Feedback, error)

	// MarkFeedbackDelivered flags the given feedback messages delivered.
	MarkFeedbackDelivered(ids []string, at time.Time) error

	// ClaimDispatch records a dispatch marker for (kind, entity id) and
	// reports whether this call claimed it. A false return means the
	// occurrence was already dispatched.
	ClaimDispatch(kind domain.NotificationKind, entityID string, at time.Time) (bool, error)
}

// IdleSession pairs an AWAITING_INPUT session with its open question for
// the idle-threshold sweep.
type IdleSession struct {
	Session  *domain.Session
	Question *domain.Question
}

// IdempotentResult is a stored first response for an idempotency key.
type IdempotentResult struct {
	Key       string
	Operation string
	Response  string
	CreatedAt time.Time
}
