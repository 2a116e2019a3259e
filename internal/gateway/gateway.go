// Package gateway is the external-facing write surface. All writers, the
// native SDK over gRPC and the interception proxy over HTTP, funnel
// through the same operations here so both bindings produce identical
// outcomes for equivalent inputs.
package gateway

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/engine"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/api"
)

const (
	maxTextLen         = 16384
	defaultWaitTimeout = 5 * time.Minute
	maxWaitTimeout     = 30 * time.Minute
)

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Gateway maps public operations 1:1 onto engine calls plus the
// cross-cutting concerns of validation and idempotency.
type Gateway struct {
	engine *engine.Engine
	repo   store.Repository
}

// New creates a Gateway.
func New(eng *engine.Engine, repo store.Repository) *Gateway {
	return &Gateway{engine: eng, repo: repo}
}

func validInstanceID(id string) error {
	if !instanceIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid agent_instance_id", engine.ErrValidation)
	}
	return nil
}

func validText(field, text string) error {
	if text == "" {
		return fmt.Errorf("%w: %s must not be empty", engine.ErrValidation, field)
	}
	if len(text) > maxTextLen {
		return fmt.Errorf("%w: %s exceeds %d bytes", engine.ErrValidation, field, maxTextLen)
	}
	return nil
}

// LogStep records one unit of agent progress, creating the session on the
// instance's first call, and returns the step together with all feedback
// accumulated since the previous step.
func (g *Gateway) LogStep(ctx context.Context, req api.LogStepRequest) (*api.LogStepResponse, error) {
	if err := validText("agent_type", req.AgentType); err != nil {
		return nil, err
	}
	if err := validInstanceID(req.AgentInstanceID); err != nil {
		return nil, err
	}
	if err := validText("description", req.Description); err != nil {
		return nil, err
	}

	sess, err := g.engine.CreateSession(ctx, req.AgentType, req.AgentInstanceID)
	if err != nil {
		return nil, err
	}

	step, feedback, err := g.engine.RecordStep(ctx, sess.ID, req.Description)
	if err != nil {
		return nil, err
	}

	resp := &api.LogStepResponse{
		SessionID:       sess.ID,
		Step:            stepPayload(step),
		PendingFeedback: []api.Feedback{},
	}
	for _, f := range feedback {
		resp.PendingFeedback = append(resp.PendingFeedback, api.Feedback{
			ID:        f.ID,
			Text:      f.Text,
			CreatedAt: f.CreatedAt,
		})
	}
	return resp, nil
}

// AskQuestion opens a question for the instance's running session. With
// Blocking set it suspends until answered, expired, session closure, or
// timeout; otherwise the caller polls or picks the answer up from its next
// LogStep feedback batch.
func (g *Gateway) AskQuestion(ctx context.Context, req api.AskQuestionRequest) (*api.AskQuestionResponse, error) {
	if err := validInstanceID(req.AgentInstanceID); err != nil {
		return nil, err
	}
	if err := validText("prompt", req.Prompt); err != nil {
		return nil, err
	}
	if req.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: timeout_seconds must not be negative", engine.ErrValidation)
	}

	sess, err := g.repo.GetOpenSessionByInstance(ctx, req.AgentInstanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: no running session for instance %s",
			engine.ErrSessionNotFound, req.AgentInstanceID)
	}

	q, err := g.engine.OpenQuestion(ctx, sess.ID, req.Prompt)
	if err != nil {
		return nil, err
	}

	if !req.Blocking {
		return &api.AskQuestionResponse{QuestionID: q.ID, Outcome: api.OutcomeOpened}, nil
	}

	timeout := defaultWaitTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	res, err := g.engine.WaitForAnswer(ctx, q.ID, timeout)
	if err != nil {
		return nil, err
	}
	return &api.AskQuestionResponse{
		QuestionID: q.ID,
		Outcome:    string(res.Outcome),
		Answer:     res.Answer,
	}, nil
}

// AnswerQuestion resolves an open question with the human's answer and
// releases any blocked waiter.
func (g *Gateway) AnswerQuestion(ctx context.Context, req api.AnswerQuestionRequest) (*api.AnswerQuestionResponse, error) {
	if err := validText("question_id", req.QuestionID); err != nil {
		return nil, err
	}
	if err := validText("answer", req.Answer); err != nil {
		return nil, err
	}

	q, err := g.engine.AnswerQuestion(ctx, req.QuestionID, req.Answer)
	if err != nil {
		return nil, err
	}
	return &api.AnswerQuestionResponse{Question: questionPayload(q)}, nil
}

// ExpireQuestion explicitly expires an open question.
func (g *Gateway) ExpireQuestion(ctx context.Context, questionID string) (*api.PollQuestionResponse, error) {
	if err := validText("question_id", questionID); err != nil {
		return nil, err
	}
	q, err := g.engine.ExpireQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	return &api.PollQuestionResponse{Question: questionPayload(q)}, nil
}

// PollQuestion returns the current state of a question.
func (g *Gateway) PollQuestion(ctx context.Context, req api.PollQuestionRequest) (*api.PollQuestionResponse, error) {
	if err := validText("question_id", req.QuestionID); err != nil {
		return nil, err
	}
	q, err := g.engine.PollQuestion(ctx, req.QuestionID)
	if err != nil {
		return nil, err
	}
	return &api.PollQuestionResponse{Question: questionPayload(q)}, nil
}

// EndSession moves the instance's session to a terminal outcome.
func (g *Gateway) EndSession(ctx context.Context, req api.EndSessionRequest) (*api.EndSessionResponse, error) {
	if err := validInstanceID(req.AgentInstanceID); err != nil {
		return nil, err
	}
	outcome := domain.Status(req.Outcome)
	if !outcome.Closed() {
		return nil, fmt.Errorf("%w: outcome must be COMPLETED or FAILED", engine.ErrValidation)
	}

	sess, err := g.repo.GetOpenSessionByInstance(ctx, req.AgentInstanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: no running session for instance %s",
			engine.ErrSessionNotFound, req.AgentInstanceID)
	}

	if err := g.engine.EndSession(ctx, sess.ID, outcome); err != nil {
		return nil, err
	}
	return &api.EndSessionResponse{SessionID: sess.ID}, nil
}

// SendFeedback records human guidance for the session, delivered on the
// agent's next logged step.
func (g *Gateway) SendFeedback(ctx context.Context, sessionID, text string) (*api.SendFeedbackResponse, error) {
	if err := validText("session_id", sessionID); err != nil {
		return nil, err
	}
	if err := validText("text", text); err != nil {
		return nil, err
	}

	fb, err := g.engine.AddFeedback(ctx, sessionID, text)
	if err != nil {
		return nil, err
	}
	return &api.SendFeedbackResponse{FeedbackID: fb.ID}, nil
}

// IngestEvent folds a canonical event from an interception proxy's
// normalizer into the same operations SDK writers use. The engine never
// branches on which provider produced the event.
func (g *Gateway) IngestEvent(ctx context.Context, ev domain.Event) error {
	switch ev.Kind {
	case domain.EventStep:
		_, err := g.LogStep(ctx, api.LogStepRequest{
			AgentType:       ev.AgentType,
			AgentInstanceID: ev.AgentInstanceID,
			Description:     ev.Payload,
		})
		return err

	case domain.EventQuestion:
		if err := validText("agent_type", ev.AgentType); err != nil {
			return err
		}
		if err := validInstanceID(ev.AgentInstanceID); err != nil {
			return err
		}
		if err := validText("payload", ev.Payload); err != nil {
			return err
		}
		// Intercepted traffic may open a question before any step was
		// observed; resolve-or-create like LogStep does.
		sess, err := g.engine.CreateSession(ctx, ev.AgentType, ev.AgentInstanceID)
		if err != nil {
			return err
		}
		_, err = g.engine.OpenQuestion(ctx, sess.ID, ev.Payload)
		return err

	case domain.EventAnswer:
		if err := validInstanceID(ev.AgentInstanceID); err != nil {
			return err
		}
		sess, err := g.repo.GetOpenSessionByInstance(ctx, ev.AgentInstanceID)
		if err != nil {
			return fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
		}
		if sess == nil {
			return fmt.Errorf("%w: no running session for instance %s",
				engine.ErrSessionNotFound, ev.AgentInstanceID)
		}
		open, err := g.openQuestionFor(ctx, sess.ID)
		if err != nil {
			return err
		}
		_, err = g.engine.AnswerQuestion(ctx, open.ID, ev.Payload)
		return err

	case domain.EventSessionEnd:
		outcome := ev.Payload
		if outcome == "" {
			outcome = string(domain.StatusCompleted)
		}
		_, err := g.EndSession(ctx, api.EndSessionRequest{
			AgentInstanceID: ev.AgentInstanceID,
			Outcome:         outcome,
		})
		return err

	default:
		return fmt.Errorf("%w: unknown event kind %q", engine.ErrValidation, ev.Kind)
	}
}

func (g *Gateway) openQuestionFor(ctx context.Context, sessionID string) (*domain.Question, error) {
	questions, err := g.repo.ListOpenQuestions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
	}
	for _, q := range questions {
		if q.SessionID == sessionID {
			return q, nil
		}
	}
	return nil, fmt.Errorf("%w: session %s has no open question", engine.ErrQuestionNotFound, sessionID)
}

// GetSession returns the full detail of one session for the dashboard.
func (g *Gateway) GetSession(ctx context.Context, id string) (*api.SessionDetail, error) {
	if err := validText("session_id", id); err != nil {
		return nil, err
	}
	detail, err := g.repo.SessionDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
	}
	if detail == nil {
		return nil, fmt.Errorf("%w: %s", engine.ErrSessionNotFound, id)
	}
	return sessionDetailPayload(detail), nil
}

// ListSessions returns summaries of all sessions for the dashboard.
func (g *Gateway) ListSessions(ctx context.Context) ([]api.SessionSummary, error) {
	summaries, err := g.repo.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
	}
	out := make([]api.SessionSummary, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, summaryPayload(s))
	}
	return out, nil
}

// ListPendingQuestions returns every OPEN question across sessions.
func (g *Gateway) ListPendingQuestions(ctx context.Context) ([]api.Question, error) {
	questions, err := g.repo.ListOpenQuestions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
	}
	out := make([]api.Question, 0, len(questions))
	for _, q := range questions {
		out = append(out, questionPayload(q))
	}
	return out, nil
}

func stepPayload(st *domain.Step) api.Step {
	return api.Step{
		ID:          st.ID,
		SessionID:   st.SessionID,
		Seq:         st.Seq,
		Description: st.Description,
		CreatedAt:   st.CreatedAt,
	}
}

func questionPayload(q *domain.Question) api.Question {
	return api.Question{
		ID:         q.ID,
		SessionID:  q.SessionID,
		Prompt:     q.Prompt,
		Status:     string(q.Status),
		AnswerText: q.AnswerText,
		CreatedAt:  q.CreatedAt,
		AnsweredAt: q.AnsweredAt,
	}
}

func summaryPayload(s *domain.SessionSummary) api.SessionSummary {
	out := api.SessionSummary{
		ID:              s.ID,
		AgentType:       s.AgentType,
		AgentInstanceID: s.AgentInstanceID,
		Status:          string(s.Status),
		CreatedAt:       s.CreatedAt,
		LastActivityAt:  s.LastActivityAt,
		EndedAt:         s.EndedAt,
		LatestStep:      s.LatestStep,
		StepCount:       s.StepCount,
	}
	if s.PendingQuestion != nil {
		q := questionPayload(s.PendingQuestion)
		out.PendingQuestion = &q
		out.PendingQuestionAge = int64(s.PendingQuestionAge.Seconds())
	}
	return out
}

func sessionDetailPayload(d *domain.SessionDetail) *api.SessionDetail {
	out := &api.SessionDetail{
		SessionSummary: api.SessionSummary{
			ID:              d.ID,
			AgentType:       d.AgentType,
			AgentInstanceID: d.AgentInstanceID,
			Status:          string(d.Status),
			CreatedAt:       d.CreatedAt,
			LastActivityAt:  d.LastActivityAt,
			EndedAt:         d.EndedAt,
		},
		Steps:     []api.Step{},
		Questions: []api.Question{},
		Feedback:  []api.FeedbackHistory{},
	}
	out.StepCount = len(d.Steps)
	if len(d.Steps) > 0 {
		out.LatestStep = d.Steps[len(d.Steps)-1].Description
	}
	for _, st := range d.Steps {
		s := st
		out.Steps = append(out.Steps, stepPayload(&s))
	}
	now := time.Now()
	for _, q := range d.Questions {
		qc := q
		out.Questions = append(out.Questions, questionPayload(&qc))
		if q.Status == domain.QuestionOpen {
			p := questionPayload(&qc)
			out.PendingQuestion = &p
			out.PendingQuestionAge = int64(now.Sub(q.CreatedAt).Seconds())
		}
	}
	for _, f := range d.Feedback {
		out.Feedback = append(out.Feedback, api.FeedbackHistory{
			ID:          f.ID,
			Text:        f.Text,
			CreatedAt:   f.CreatedAt,
			Delivered:   f.Delivered,
			DeliveredAt: f.DeliveredAt,
		})
	}
	return out
}
