package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers, immediate transactions so writers take
	// the write lock up front instead of failing mid-transaction. The
	// _pragma form applies to every pooled connection; busy_timeout must
	// hold on all of them or concurrent BeginTx calls fail instead of
	// queueing.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_type TEXT NOT NULL,
		agent_instance_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open_instance
		ON sessions(agent_instance_id)
		WHERE status IN ('ACTIVE', 'AWAITING_INPUT');
	CREATE INDEX IF NOT EXISTS idx_sessions_status_activity
		ON sessions(status, last_activity_at);

	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		description TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL,
		answer_text TEXT,
		created_at INTEGER NOT NULL,
		answered_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_questions_open
		ON questions(session_id)
		WHERE status = 'OPEN';

	CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		delivered_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_undelivered
		ON feedback(session_id) WHERE delivered = 0;

	CREATE TABLE IF NOT EXISTS dispatch_markers (
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (kind, entity_id)
	);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		response TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// readRetries bounds the internal retry of idempotent reads on SQLite
// concurrency errors. Writes are never retried here: a replayed write
// could assign a duplicate sequence number.
const readRetries = 3

func withReadRetry[T any](fn func() (T, error)) (T, error) {
	var out T
	var err error
	delay := 50 * time.Millisecond
	for i := 0; i < readRetries; i++ {
		out, err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return out, err
		}
		if i < readRetries-1 {
			slog.Debug("read hit SQLite conflict, retrying", "attempt", i+1, "delay", delay)
			time.Sleep(delay)
			delay *= 2
		}
	}
	return out, err
}

const sessionColumns = `id, agent_type, agent_instance_id, status, created_at, last_activity_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var createdAt, lastActivity int64
	var endedAt sql.NullInt64
	var status string

	err := row.Scan(&s.ID, &s.AgentType, &s.AgentInstanceID, &status,
		&createdAt, &lastActivity, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	s.Status = domain.Status(status)
	s.CreatedAt = time.Unix(createdAt, 0)
	s.LastActivityAt = time.Unix(lastActivity, 0)
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0)
		s.EndedAt = &t
	}
	return &s, nil
}

const questionColumns = `id, session_id, prompt, status, answer_text, created_at, answered_at`

func scanQuestion(row rowScanner) (*domain.Question, error) {
	var q domain.Question
	var status string
	var answer sql.NullString
	var createdAt int64
	var answeredAt sql.NullInt64

	err := row.Scan(&q.ID, &q.SessionID, &q.Prompt, &status, &answer,
		&createdAt, &answeredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan question row: %w", err)
	}

	q.Status = domain.QuestionStatus(status)
	q.AnswerText = answer.String
	q.CreatedAt = time.Unix(createdAt, 0)
	if answeredAt.Valid {
		t := time.Unix(answeredAt.Int64, 0)
		q.AnsweredAt = &t
	}
	return &q, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return withReadRetry(func() (*domain.Session, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
		return scanSession(row)
	})
}

// GetOpenSessionByInstance retrieves the non-terminal session for an agent
// instance id.
func (s *SQLiteStore) GetOpenSessionByInstance(ctx context.Context, instanceID string) (*domain.Session, error) {
	return withReadRetry(func() (*domain.Session, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE agent_instance_id = ? AND status IN ('ACTIVE', 'AWAITING_INPUT')`,
			instanceID)
		return scanSession(row)
	})
}

// GetQuestion retrieves a question by id.
func (s *SQLiteStore) GetQuestion(ctx context.Context, id string) (*domain.Question, error) {
	return withReadRetry(func() (*domain.Question, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id)
		return scanQuestion(row)
	})
}

// SessionDetail returns a session with its full history.
func (s *SQLiteStore) SessionDetail(ctx context.Context, id string) (*domain.SessionDetail, error) {
	return withReadRetry(func() (*domain.SessionDetail, error) {
		session, err := s.GetSession(ctx, id)
		if err != nil || session == nil {
			return nil, err
		}

		detail := &domain.SessionDetail{Session: *session}

		rows, err := s.db.QueryContext(ctx,
			`SELECT id, session_id, seq, description, created_at
			 FROM steps WHERE session_id = ? ORDER BY seq`, id)
		if err != nil {
			return nil, fmt.Errorf("query steps: %w", err)
		}
		defer closeRows(rows, "steps")
		for rows.Next() {
			var st domain.Step
			var createdAt int64
			if err := rows.Scan(&st.ID, &st.SessionID, &st.Seq, &st.Description, &createdAt); err != nil {
				return nil, fmt.Errorf("scan step row: %w", err)
			}
			st.CreatedAt = time.Unix(createdAt, 0)
			detail.Steps = append(detail.Steps, st)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate steps: %w", err)
		}

		qrows, err := s.db.QueryContext(ctx,
			`SELECT `+questionColumns+` FROM questions
			 WHERE session_id = ? ORDER BY created_at, rowid`, id)
		if err != nil {
			return nil, fmt.Errorf("query questions: %w", err)
		}
		defer closeRows(qrows, "questions")
		for qrows.Next() {
			q, err := scanQuestion(qrows)
			if err != nil {
				return nil, err
			}
			detail.Questions = append(detail.Questions, *q)
		}
		if err := qrows.Err(); err != nil {
			return nil, fmt.Errorf("iterate questions: %w", err)
		}

		frows, err := s.db.QueryContext(ctx,
			`SELECT id, session_id, text, created_at, delivered, delivered_at
			 FROM feedback WHERE session_id = ? ORDER BY created_at, rowid`, id)
		if err != nil {
			return nil, fmt.Errorf("query feedback: %w", err)
		}
		defer closeRows(frows, "feedback")
		for frows.Next() {
			f, err := scanFeedback(frows)
			if err != nil {
				return nil, err
			}
			detail.Feedback = append(detail.Feedback, *f)
		}
		if err := frows.Err(); err != nil {
			return nil, fmt.Errorf("iterate feedback: %w", err)
		}

		return detail, nil
	})
}

func scanFeedback(row rowScanner) (*domain.Feedback, error) {
	var f domain.Feedback
	var createdAt int64
	var delivered int
	var deliveredAt sql.NullInt64

	if err := row.Scan(&f.ID, &f.SessionID, &f.Text, &createdAt, &delivered, &deliveredAt); err != nil {
		return nil, fmt.Errorf("scan feedback row: %w", err)
	}
	f.CreatedAt = time.Unix(createdAt, 0)
	f.Delivered = delivered != 0
	if deliveredAt.Valid {
		t := time.Unix(deliveredAt.Int64, 0)
		f.DeliveredAt = &t
	}
	return &f, nil
}

// ListSessions returns summaries of all sessions, most recent first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.SessionSummary, error) {
	return withReadRetry(func() ([]*domain.SessionSummary, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+sessionColumns+`,
			       COALESCE((SELECT description FROM steps WHERE session_id = sessions.id ORDER BY seq DESC LIMIT 1), ''),
			       (SELECT COUNT(*) FROM steps WHERE session_id = sessions.id)
			FROM sessions ORDER BY created_at DESC, rowid DESC`)
		if err != nil {
			return nil, fmt.Errorf("query sessions: %w", err)
		}
		defer closeRows(rows, "sessions")

		var summaries []*domain.SessionSummary
		byID := make(map[string]*domain.SessionSummary)
		for rows.Next() {
			var sum domain.SessionSummary
			var createdAt, lastActivity int64
			var endedAt sql.NullInt64
			var status string
			if err := rows.Scan(&sum.ID, &sum.AgentType, &sum.AgentInstanceID, &status,
				&createdAt, &lastActivity, &endedAt,
				&sum.LatestStep, &sum.StepCount); err != nil {
				return nil, fmt.Errorf("scan session summary: %w", err)
			}
			sum.Status = domain.Status(status)
			sum.CreatedAt = time.Unix(createdAt, 0)
			sum.LastActivityAt = time.Unix(lastActivity, 0)
			if endedAt.Valid {
				t := time.Unix(endedAt.Int64, 0)
				sum.EndedAt = &t
			}
			summaries = append(summaries, &sum)
			byID[sum.ID] = &sum
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate sessions: %w", err)
		}

		open, err := s.listOpenQuestions(ctx)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		for _, q := range open {
			if sum, ok := byID[q.SessionID]; ok {
				sum.PendingQuestion = q
				sum.PendingQuestionAge = now.Sub(q.CreatedAt)
			}
		}

		return summaries, nil
	})
}

// ListOpenQuestions returns all OPEN questions across sessions.
func (s *SQLiteStore) ListOpenQuestions(ctx context.Context) ([]*domain.Question, error) {
	return withReadRetry(func() ([]*domain.Question, error) {
		return s.listOpenQuestions(ctx)
	})
}

func (s *SQLiteStore) listOpenQuestions(ctx context.Context) ([]*domain.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions
		 WHERE status = 'OPEN' ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("query open questions: %w", err)
	}
	defer closeRows(rows, "open questions")

	var questions []*domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open questions: %w", err)
	}
	return questions, nil
}

// ListIdleAwaiting returns AWAITING_INPUT sessions whose last activity is
// before the cutoff, paired with their open question.
func (s *SQLiteStore) ListIdleAwaiting(ctx context.Context, cutoff time.Time) ([]*IdleSession, error) {
	return withReadRetry(func() ([]*IdleSession, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT s.id, s.agent_type, s.agent_instance_id, s.status, s.created_at, s.last_activity_at, s.ended_at,
			       q.id, q.session_id, q.prompt, q.status, q.answer_text, q.created_at, q.answered_at
			FROM sessions s
			JOIN questions q ON q.session_id = s.id AND q.status = 'OPEN'
			WHERE s.status = 'AWAITING_INPUT' AND s.last_activity_at < ?`,
			cutoff.Unix())
		if err != nil {
			return nil, fmt.Errorf("query idle sessions: %w", err)
		}
		defer closeRows(rows, "idle sessions")

		var idle []*IdleSession
		for rows.Next() {
			var sess domain.Session
			var q domain.Question
			var sStatus, qStatus string
			var sCreated, sActivity, qCreated int64
			var sEnded, qAnswered sql.NullInt64
			var answer sql.NullString

			if err := rows.Scan(
				&sess.ID, &sess.AgentType, &sess.AgentInstanceID, &sStatus, &sCreated, &sActivity, &sEnded,
				&q.ID, &q.SessionID, &q.Prompt, &qStatus, &answer, &qCreated, &qAnswered,
			); err != nil {
				return nil, fmt.Errorf("scan idle session row: %w", err)
			}

			sess.Status = domain.Status(sStatus)
			sess.CreatedAt = time.Unix(sCreated, 0)
			sess.LastActivityAt = time.Unix(sActivity, 0)
			if sEnded.Valid {
				t := time.Unix(sEnded.Int64, 0)
				sess.EndedAt = &t
			}
			q.Status = domain.QuestionStatus(qStatus)
			q.AnswerText = answer.String
			q.CreatedAt = time.Unix(qCreated, 0)
			if qAnswered.Valid {
				t := time.Unix(qAnswered.Int64, 0)
				q.AnsweredAt = &t
			}
			idle = append(idle, &IdleSession{Session: &sess, Question: &q})
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate idle sessions: %w", err)
		}
		return idle, nil
	})
}

// GetIdempotentResult returns the stored response for an idempotency key.
func (s *SQLiteStore) GetIdempotentResult(ctx context.Context, key string) (*IdempotentResult, error) {
	return withReadRetry(func() (*IdempotentResult, error) {
		row := s.db.QueryRowContext(ctx,
			`SELECT key, operation, response, created_at FROM idempotency_keys WHERE key = ?`, key)

		var res IdempotentResult
		var createdAt int64
		err := row.Scan(&res.Key, &res.Operation, &res.Response, &createdAt)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("scan idempotency row: %w", err)
		}
		res.CreatedAt = time.Unix(createdAt, 0)
		return &res, nil
	})
}

// PutIdempotentResult stores the first response observed for a key.
func (s *SQLiteStore) PutIdempotentResult(ctx context.Context, key, operation, response string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys (key, operation, response, created_at)
		 VALUES (?, ?, ?, ?)`,
		key, operation, response, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store idempotency result: %w", err)
	}
	return nil
}

// Update runs fn inside a single write transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	stx := &sqliteTx{tx: tx}
	if err := fn(stx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("transaction rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}
