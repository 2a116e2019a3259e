package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
)

// sqliteTx implements Tx over an open write transaction.
type sqliteTx struct {
	tx *sql.Tx
}

// Session retrieves a session by id within the transaction.
func (t *sqliteTx) Session(id string) (*domain.Session, error) {
	row := t.tx.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// OpenSessionByInstance retrieves the non-terminal session for an instance.
func (t *sqliteTx) OpenSessionByInstance(instanceID string) (*domain.Session, error) {
	row := t.tx.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE agent_instance_id = ? AND status IN ('ACTIVE', 'AWAITING_INPUT')`,
		instanceID)
	return scanSession(row)
}

// InsertSession appends a new session record.
func (t *sqliteTx) InsertSession(s *domain.Session) error {
	var endedAt interface{}
	if s.EndedAt != nil {
		endedAt = s.EndedAt.Unix()
	}
	_, err := t.tx.Exec(
		`INSERT INTO sessions (id, agent_type, agent_instance_id, status, created_at, last_activity_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AgentType, s.AgentInstanceID, string(s.Status),
		s.CreatedAt.Unix(), s.LastActivityAt.Unix(), endedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SetSessionStatus updates status and last-activity.
func (t *sqliteTx) SetSessionStatus(id string, status domain.Status, lastActivity time.Time, endedAt *time.Time) error {
	var ended interface{}
	if endedAt != nil {
		ended = endedAt.Unix()
	}
	res, err := t.tx.Exec(
		`UPDATE sessions SET status = ?, last_activity_at = ?, ended_at = ? WHERE id = ?`,
		string(status), lastActivity.Unix(), ended, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// NextSeq returns the next step sequence number for a session. Safe under
// concurrency because it only runs inside the single write transaction.
func (t *sqliteTx) NextSeq(sessionID string) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM steps WHERE session_id = ?`,
		sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next step sequence: %w", err)
	}
	return seq, nil
}

// InsertStep appends a step record.
func (t *sqliteTx) InsertStep(st *domain.Step) error {
	_, err := t.tx.Exec(
		`INSERT INTO steps (id, session_id, seq, description, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		st.ID, st.SessionID, st.Seq, st.Description, st.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// OpenQuestion returns the session's OPEN question, or nil.
func (t *sqliteTx) OpenQuestion(sessionID string) (*domain.Question, error) {
	row := t.tx.QueryRow(
		`SELECT `+questionColumns+` FROM questions
		 WHERE session_id = ? AND status = 'OPEN'`, sessionID)
	return scanQuestion(row)
}

// Question retrieves a question by id within the transaction.
func (t *sqliteTx) Question(id string) (*domain.Question, error) {
	row := t.tx.QueryRow(`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
	return scanQuestion(row)
}

// InsertQuestion appends a question record.
func (t *sqliteTx) InsertQuestion(q *domain.Question) error {
	var answeredAt interface{}
	if q.AnsweredAt != nil {
		answeredAt = q.AnsweredAt.Unix()
	}
	var answer interface{}
	if q.AnswerText != "" {
		answer = q.AnswerText
	}
	_, err := t.tx.Exec(
		`INSERT INTO questions (id, session_id, prompt, status, answer_text, created_at, answered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.SessionID, q.Prompt, string(q.Status), answer,
		q.CreatedAt.Unix(), answeredAt)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

// ResolveQuestion sets a question to ANSWERED or EXPIRED.
func (t *sqliteTx) ResolveQuestion(id string, status domain.QuestionStatus, answer string, at time.Time) error {
	var answerVal interface{}
	if answer != "" {
		answerVal = answer
	}
	res, err := t.tx.Exec(
		`UPDATE questions SET status = ?, answer_text = ?, answered_at = ? WHERE id = ?`,
		string(status), answerVal, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("resolve question: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("question %s not found", id)
	}
	return nil
}

// InsertFeedback appends a feedback record.
func (t *sqliteTx) InsertFeedback(f *domain.Feedback) error {
	_, err := t.tx.Exec(
		`INSERT INTO feedback (id, session_id, text, created_at, delivered)
		 VALUES (?, ?, ?, ?, 0)`,
		f.ID, f.SessionID, f.Text, f.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// UndeliveredFeedback returns the session's undelivered feedback.
func (t *sqliteTx) UndeliveredFeedback(sessionID string) ([]domain.Feedback, error) {
	rows, err := t.tx.Query(
		`SELECT id, session_id, text, created_at, delivered, delivered_at
		 FROM feedback WHERE session_id = ? AND delivered = 0
		 ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query undelivered feedback: %w", err)
	}
	defer closeRows(rows, "undelivered feedback")

	var feedback []domain.Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		feedback = append(feedback, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate undelivered feedback: %w", err)
	}
	return feedback, nil
}

// MarkFeedbackDelivered flags the given feedback messages delivered.
func (t *sqliteTx) MarkFeedbackDelivered(ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, at.Unix())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := t.tx.Exec(
		`UPDATE feedback SET delivered = 1, delivered_at = ? WHERE id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("mark feedback delivered: %w", err)
	}
	return nil
}

// ClaimDispatch records a dispatch marker and reports whether this call
// claimed it.
func (t *sqliteTx) ClaimDispatch(kind domain.NotificationKind, entityID string, at time.Time) (bool, error) {
	res, err := t.tx.Exec(
		`INSERT OR IGNORE INTO dispatch_markers (kind, entity_id, created_at)
		 VALUES (?, ?, ?)`,
		string(kind), entityID, at.Unix())
	if err != nil {
		return false, fmt.Errorf("claim dispatch marker: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}
