// Package engine implements the session state machine and the
// question/answer synchronizer. All session mutations funnel through it;
// each operation runs inside a single store transaction so that sequence
// assignment and status transitions are linearizable per session.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/google/uuid"
)

// Notifier receives one Dispatch call per claimed dispatch marker. The
// call must not block the state transition that triggered it.
type Notifier interface {
	Dispatch(n domain.Notification)
}

// FeedSink receives best-effort live activity events for dashboard feeds.
type FeedSink interface {
	SessionEvent(sessionID, kind, payload string)
}

// Engine owns session lifecycle, step ordering, and question lifecycle.
type Engine struct {
	repo     store.Repository
	waits    *waitRegistry
	notifier Notifier
	feed     FeedSink
}

// New creates an Engine. notifier and feed may be nil.
func New(repo store.Repository, notifier Notifier, feed FeedSink) *Engine {
	return &Engine{
		repo:     repo,
		waits:    newWaitRegistry(),
		notifier: notifier,
		feed:     feed,
	}
}

// storeErr wraps persistence failures as ErrStoreUnavailable while letting
// protocol outcomes pass through verbatim.
func storeErr(err error) error {
	if err == nil || IsProtocolError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

const summaryLimit = 140

// summarize trims text to a notification-sized summary. The cut point
// backs off to a rune boundary so multibyte text stays valid UTF-8.
func summarize(text string) string {
	if len(text) <= summaryLimit {
		return text
	}
	cut := summaryLimit - 3
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

func (e *Engine) dispatch(n domain.Notification) {
	if e.notifier != nil {
		e.notifier.Dispatch(n)
	}
}

func (e *Engine) publish(sessionID, kind, payload string) {
	if e.feed != nil {
		e.feed.SessionEvent(sessionID, kind, payload)
	}
}

// CreateSession creates a new ACTIVE session for an agent instance. A
// compatible duplicate create (same agent type, instance still running)
// returns the existing session unchanged; an incompatible one fails with
// ErrDuplicateInstance.
func (e *Engine) CreateSession(ctx context.Context, agentType, instanceID string) (*domain.Session, error) {
	now := time.Now()
	var out *domain.Session
	err := e.repo.Update(ctx, func(tx store.Tx) error {
		existing, err := tx.OpenSessionByInstance(instanceID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.AgentType != agentType {
				return fmt.Errorf("%w: instance %s already running as %s",
					ErrDuplicateInstance, instanceID, existing.AgentType)
			}
			out = existing
			return nil
		}

		s := &domain.Session{
			ID:              uuid.NewString(),
			AgentType:       agentType,
			AgentInstanceID: instanceID,
			Status:          domain.StatusActive,
			CreatedAt:       now,
			LastActivityAt:  now,
		}
		if err := tx.InsertSession(s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

// RecordStep assigns the next sequence number, appends the step, and
// returns it together with all undelivered feedback, which is marked
// delivered atomically with the read. A new step moves AWAITING_INPUT
// back to ACTIVE: the agent's own activity is the signal of resumption.
func (e *Engine) RecordStep(ctx context.Context, sessionID, description string) (*domain.Step, []domain.Feedback, error) {
	now := time.Now()
	var step *domain.Step
	var feedback []domain.Feedback
	err := e.repo.Update(ctx, func(tx store.Tx) error {
		s, err := tx.Session(sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if s.Status.Closed() {
			return fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
		}

		seq, err := tx.NextSeq(sessionID)
		if err != nil {
			return err
		}
		step = &domain.Step{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			Seq:         seq,
			Description: description,
			CreatedAt:   now,
		}
		if err := tx.InsertStep(step); err != nil {
			return err
		}

		feedback, err = tx.UndeliveredFeedback(sessionID)
		if err != nil {
			return err
		}
		if len(feedback) > 0 {
			ids := make([]string, len(feedback))
			for i, f := range feedback {
				ids[i] = f.ID
			}
			if err := tx.MarkFeedbackDelivered(ids, now); err != nil {
				return err
			}
		}

		return tx.SetSessionStatus(sessionID, domain.StatusActive, now, nil)
	})
	if err != nil {
		return nil, nil, storeErr(err)
	}

	e.publish(sessionID, "step", step.Description)
	return step, feedback, nil
}

// OpenQuestion creates an OPEN question and moves the session to
// AWAITING_INPUT. At most one question may be OPEN per session.
func (e *Engine) OpenQuestion(ctx context.Context, sessionID, prompt string) (*domain.Question, error) {
	now := time.Now()
	var question *domain.Question
	var claimed bool
	err := e.repo.Update(ctx, func(tx store.Tx) error {
		s, err := tx.Session(sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if s.Status.Closed() {
			return fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
		}

		open, err := tx.OpenQuestion(sessionID)
		if err != nil {
			return err
		}
		if open != nil {
			return fmt.Errorf("%w: question %s", ErrQuestionAlreadyOpen, open.ID)
		}

		question = &domain.Question{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Prompt:    prompt,
			Status:    domain.QuestionOpen,
			CreatedAt: now,
		}
		if err := tx.InsertQuestion(question); err != nil {
			return err
		}
		if err := tx.SetSessionStatus(sessionID, domain.StatusAwaitingInput, now, nil); err != nil {
			return err
		}

		// The marker is written in the same transaction as the
		// transition so a committed question is dispatched exactly once.
		claimed, err = tx.ClaimDispatch(domain.NotifyQuestionOpened, question.ID, now)
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}

	if claimed {
		e.dispatch(domain.Notification{
			SessionID: sessionID,
			Kind:      domain.NotifyQuestionOpened,
			Summary:   summarize(prompt),
		})
	}
	e.publish(sessionID, "question", question.Prompt)
	return question, nil
}

// AnswerQuestion resolves an OPEN question and releases its waiters. The
// session status is not changed here; only the agent's next RecordStep
// moves AWAITING_INPUT back to ACTIVE, which tolerates agents that poll
// rather than block.
func (e *Engine) AnswerQuestion(ctx context.Context, questionID, answerText string) (*domain.Question, error) {
	now := time.Now()
	var question *domain.Question
	err := e.repo.Update(ctx, func(tx store.Tx) error {
		q, err := tx.Question(questionID)
		if err != nil {
			return err
		}
		if q == nil {
			return fmt.Errorf("%w: %s", ErrQuestionNotFound, questionID)
		}
		if q.Status != domain.QuestionOpen {
			return fmt.Errorf("%w: %s is %s", ErrQuestionAlreadyResolved, questionID, q.Status)
		}

		if err := tx.ResolveQuestion(questionID, domain.QuestionAnswered, answerText, now); err != nil {
			return err
		}

		// An answer counts as activity for the idle threshold even
		// though the status stays AWAITING_INPUT.
		s, err := tx.Session(q.SessionID)
		if err != nil {
			return err
		}
		if err := tx.SetSessionStatus(s.ID, s.Status, now, s.EndedAt); err != nil {
			return err
		}

		q.Status = domain.QuestionAnswered
		q.AnswerText = answerText
		q.AnsweredAt = &now
		question = q
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}

	e.waits.resolve(questionID, WaitResult{Outcome: OutcomeAnswered, Answer: answerText})
	e.publish(question.SessionID, "answer", answerText)
	return question, nil
}

// ExpireQuestion explicitly expires an OPEN question, unblocking end for
// sessions whose human never answered. Waiters are released with
// OutcomeExpired.
func (e *Engine) ExpireQuestion(ctx context.Context, questionID string) (*domain.Question, error) {
	now := time.Now()
	var question *domain.Question
	err := e.repo.Update(ctx, func(tx store.Tx) error {
		q, err := tx.Question(questionID)
		if err != nil {
			return err
		}
		if q == nil {
			return fmt.Errorf("%w: %s", ErrQuestionNotFound, questionID)
		}
		if q.Status != domain.QuestionOpen {
			return fmt.Errorf("%w: %s is %s", ErrQuestionAlreadyResolved, questionID, q.Status)
		}

		if err := tx.ResolveQuestion(questionID, domain.QuestionExpired, "", now); err != nil {
			return err
		}
		q.Status = domain.QuestionExpired
		question = q
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}

	e.waits.resolve(questionID, WaitResult{Outcome: OutcomeExpired})
	e.publish(question.SessionID, "question_expired", question.Prompt)
	return question, nil
}

// EndSession moves a session to COMPLETED or FAILED. It fails with
// ErrQuestionStillOpen while an OPEN question exists, forcing callers to
// answer or explicitly expire it first. Any outstanding waiters on the
// session are released with OutcomeSessionClosed.
func (e *Engine) EndSession(ctx context.Context, sessionID string, outcome domain.Status) error {
	if !outcome.Closed() {
		return fmt.Errorf("%w: outcome must be COMPLETED or FAILED, got %s", ErrValidation, outcome)
	}

	now := time.Now()
	var claimed bool
	err := e.repo.Update(ctx, func(tx store.Tx) error {
		s, err := tx.Session(sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if s.Status.Closed() {
			return fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
		}

		open, err := tx.OpenQuestion(sessionID)
		if err != nil {
			return err
		}
		if open != nil {
			return fmt.Errorf("%w: question %s", ErrQuestionStillOpen, open.ID)
		}

		if err := tx.SetSessionStatus(sessionID, outcome, now, &now); err != nil {
			return err
		}
		claimed, err = tx.ClaimDispatch(domain.NotifySessionEnded, sessionID, now)
		return err
	})
	if err != nil {
		return storeErr(err)
	}

	e.waits.closeSession(sessionID, WaitResult{Outcome: OutcomeSessionClosed})
	if claimed {
		e.dispatch(domain.Notification{
			SessionID: sessionID,
			Kind:      domain.NotifySessionEnded,
			Summary:   string(outcome),
		})
	}
	e.publish(sessionID, "session_end", string(outcome))
	return nil
}

// AddFeedback records human guidance for later delivery on the agent's
// next RecordStep.
func (e *Engine) AddFeedback(ctx context.Context, sessionID, text string) (*domain.Feedback, error) {
	now := time.Now()
	var fb *domain.Feedback
	err := e.repo.Update(ctx, func(tx store.Tx) error {
		s, err := tx.Session(sessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if s.Status.Closed() {
			return fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
		}

		fb = &domain.Feedback{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Text:      text,
			CreatedAt: now,
		}
		return tx.InsertFeedback(fb)
	})
	if err != nil {
		return nil, storeErr(err)
	}

	e.publish(sessionID, "feedback", fb.Text)
	return fb, nil
}

// PollQuestion returns the current state of a question.
func (e *Engine) PollQuestion(ctx context.Context, questionID string) (*domain.Question, error) {
	q, err := e.repo.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, storeErr(err)
	}
	if q == nil {
		return nil, fmt.Errorf("%w: %s", ErrQuestionNotFound, questionID)
	}
	return q, nil
}

// WaitForAnswer suspends until the question is answered, expired, its
// session closes, or the timeout elapses. A timeout leaves the question
// OPEN: the caller can retry the wait without losing it.
func (e *Engine) WaitForAnswer(ctx context.Context, questionID string, timeout time.Duration) (WaitResult, error) {
	q, err := e.PollQuestion(ctx, questionID)
	if err != nil {
		return WaitResult{}, err
	}
	if res, done := resultFor(q); done {
		return res, nil
	}

	s, err := e.repo.GetSession(ctx, q.SessionID)
	if err != nil {
		return WaitResult{}, storeErr(err)
	}
	if s != nil && s.Status.Closed() {
		return WaitResult{Outcome: OutcomeSessionClosed}, nil
	}

	ch := e.waits.register(q.SessionID, questionID)

	// Re-check after registering: the answer may have landed between the
	// poll above and the registration.
	q, err = e.repo.GetQuestion(ctx, questionID)
	if err != nil {
		e.waits.unregister(questionID, ch)
		return WaitResult{}, storeErr(err)
	}
	if q == nil {
		e.waits.unregister(questionID, ch)
		return WaitResult{}, fmt.Errorf("%w: %s", ErrQuestionNotFound, questionID)
	}
	if res, done := resultFor(q); done {
		e.waits.unregister(questionID, ch)
		return res, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		e.waits.unregister(questionID, ch)
		slog.Debug("blocking wait timed out", "question_id", questionID, "timeout", timeout)
		return WaitResult{Outcome: OutcomeTimeout}, nil
	case <-ctx.Done():
		e.waits.unregister(questionID, ch)
		return WaitResult{}, ctx.Err()
	}
}

func resultFor(q *domain.Question) (WaitResult, bool) {
	switch q.Status {
	case domain.QuestionAnswered:
		return WaitResult{Outcome: OutcomeAnswered, Answer: q.AnswerText}, true
	case domain.QuestionExpired:
		return WaitResult{Outcome: OutcomeExpired}, true
	default:
		return WaitResult{}, false
	}
}
