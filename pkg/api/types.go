// Package api defines the wire types shared by the HTTP binding, the gRPC
// binding, and the native SDK client. Both protocol bindings must produce
// identical outcomes for equivalent inputs, so they serialize exactly
// these shapes.
package api

import "time"

// GatewayService is the fully qualified gRPC service name of the
// write-side gateway.
const GatewayService = "agentdeck.v1.Gateway"

// Step is one reported unit of agent progress.
type Step struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Seq         int64     `json:"seq"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Question is a request for human input.
type Question struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Prompt     string     `json:"prompt"`
	Status     string     `json:"status"`
	AnswerText string     `json:"answer_text,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// Feedback is one human guidance message delivered with a step.
type Feedback struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// LogStepRequest reports one unit of agent progress. The session is
// resolved by agent instance id and created on first use.
type LogStepRequest struct {
	AgentType       string `json:"agent_type"`
	AgentInstanceID string `json:"agent_instance_id"`
	Description     string `json:"description"`
}

// LogStepResponse carries the recorded step and every feedback message
// accumulated since the previous step. Feedback delivery is at-most-once:
// these messages will not appear in any later response.
type LogStepResponse struct {
	SessionID       string     `json:"session_id"`
	Step            Step       `json:"step"`
	PendingFeedback []Feedback `json:"pending_feedback"`
}

// Wait outcomes for blocking ask_question calls.
const (
	OutcomeOpened        = "opened"
	OutcomeAnswered      = "answered"
	OutcomeTimeout       = "timeout"
	OutcomeExpired       = "expired"
	OutcomeSessionClosed = "session_closed"
)

// AskQuestionRequest opens a question for the instance's session. With
// Blocking set, the call suspends until the question is answered or the
// timeout elapses; otherwise it returns the question id immediately.
type AskQuestionRequest struct {
	AgentInstanceID string `json:"agent_instance_id"`
	Prompt          string `json:"prompt"`
	Blocking        bool   `json:"blocking"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
}

// AskQuestionResponse reports the question id and, for blocking calls,
// how the wait concluded. After a timeout the question remains OPEN and
// the id can be polled or waited on again.
type AskQuestionResponse struct {
	QuestionID string `json:"question_id"`
	Outcome    string `json:"outcome"`
	Answer     string `json:"answer,omitempty"`
}

// AnswerQuestionRequest resolves an open question with the human's answer.
type AnswerQuestionRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// AnswerQuestionResponse acknowledges a resolved question.
type AnswerQuestionResponse struct {
	Question Question `json:"question"`
}

// PollQuestionRequest fetches the current state of a question.
type PollQuestionRequest struct {
	QuestionID string `json:"question_id"`
}

// PollQuestionResponse carries the current question state.
type PollQuestionResponse struct {
	Question Question `json:"question"`
}

// EndSessionRequest moves the instance's session to a terminal outcome,
// "COMPLETED" or "FAILED".
type EndSessionRequest struct {
	AgentInstanceID string `json:"agent_instance_id"`
	Outcome         string `json:"outcome"`
}

// EndSessionResponse acknowledges a terminal transition.
type EndSessionResponse struct {
	SessionID string `json:"session_id"`
}

// SessionSummary is the dashboard overview of one session.
type SessionSummary struct {
	ID                 string     `json:"id"`
	AgentType          string     `json:"agent_type"`
	AgentInstanceID    string     `json:"agent_instance_id"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	LatestStep         string     `json:"latest_step,omitempty"`
	StepCount          int        `json:"step_count"`
	PendingQuestion    *Question  `json:"pending_question,omitempty"`
	PendingQuestionAge int64      `json:"pending_question_age_seconds,omitempty"`
}

// SessionDetail is the full history of one session.
type SessionDetail struct {
	SessionSummary
	Steps     []Step            `json:"steps"`
	Questions []Question        `json:"questions"`
	Feedback  []FeedbackHistory `json:"feedback"`
}

// FeedbackHistory is the dashboard view of a feedback message, including
// delivery state.
type FeedbackHistory struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	CreatedAt   time.Time  `json:"created_at"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// SendFeedbackRequest records human guidance for delivery on the agent's
// next logged step.
type SendFeedbackRequest struct {
	Text string `json:"text"`
}

// SendFeedbackResponse acknowledges recorded feedback.
type SendFeedbackResponse struct {
	FeedbackID string `json:"feedback_id"`
}

// ErrorResponse is the JSON error envelope of the HTTP binding.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
