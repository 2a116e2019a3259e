package domain

import "time"

// QuestionStatus is the lifecycle state of a question.
type QuestionStatus string

const (
	QuestionOpen     QuestionStatus = "OPEN"
	QuestionAnswered QuestionStatus = "ANSWERED"
	QuestionExpired  QuestionStatus = "EXPIRED"
)

// Question is a pending request for human input. At most one question per
// session may be OPEN at any time.
type Question struct {
	ID         string
	SessionID  string
	Prompt     string
	Status     QuestionStatus
	AnswerText string
	CreatedAt  time.Time
	AnsweredAt *time.Time
}
