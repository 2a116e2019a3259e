package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/store"
)

// captureNotifier records dispatched notifications for assertions.
type captureNotifier struct {
	mu            sync.Mutex
	notifications []domain.Notification
}

func (c *captureNotifier) Dispatch(n domain.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, n)
}

func (c *captureNotifier) byKind(kind domain.NotificationKind) []domain.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Notification
	for _, n := range c.notifications {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *captureNotifier) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close test store: %v", err)
		}
	})
	notifier := &captureNotifier{}
	return New(repo, notifier, nil), notifier
}

func TestCreateSessionIdempotent(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if first.Status != domain.StatusActive {
		t.Errorf("Expected status ACTIVE, got %s", first.Status)
	}

	second, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("Duplicate compatible create failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected same session id %s, got %s", first.ID, second.ID)
	}

	_, err = eng.CreateSession(ctx, "cursor", "inst-1")
	if !errors.Is(err, ErrDuplicateInstance) {
		t.Errorf("Expected ErrDuplicateInstance for mismatched agent type, got %v", err)
	}
}

func TestRecordStepOrdering(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		step, _, err := eng.RecordStep(ctx, sess.ID, "working")
		if err != nil {
			t.Fatalf("RecordStep failed: %v", err)
		}
		if step.Seq != want {
			t.Errorf("Expected seq %d, got %d", want, step.Seq)
		}
	}
}

func TestConcurrentStepsUniqueSeq(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	const workers = 10
	seqs := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			step, _, err := eng.RecordStep(ctx, sess.ID, "concurrent step")
			if err != nil {
				t.Errorf("RecordStep failed: %v", err)
				return
			}
			seqs <- step.Seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Errorf("Duplicate seq %d assigned", seq)
		}
		seen[seq] = true
	}
	if len(seen) != workers {
		t.Errorf("Expected %d unique seqs, got %d", workers, len(seen))
	}
}

func TestConcurrentOpenQuestionOneWins(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	const workers = 5
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.OpenQuestion(ctx, sess.ID, "may I?")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrQuestionAlreadyOpen) {
			t.Errorf("Expected ErrQuestionAlreadyOpen, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("Expected exactly 1 open to succeed, got %d", succeeded)
	}
}

func TestQuestionLifecycle(t *testing.T) {
	eng, notifier := newTestEngine(t)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	q, err := eng.OpenQuestion(ctx, sess.ID, "deploy to prod?")
	if err != nil {
		t.Fatalf("OpenQuestion failed: %v", err)
	}

	got, err := eng.repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != domain.StatusAwaitingInput {
		t.Errorf("Expected AWAITING_INPUT after open, got %s", got.Status)
	}
	if opened := notifier.byKind(domain.NotifyQuestionOpened); len(opened) != 1 {
		t.Errorf("Expected 1 question_opened notification, got %d", len(opened))
	}

	answered, err := eng.AnswerQuestion(ctx, q.ID, "yes, ship it")
	if err != nil {
		t.Fatalf("AnswerQuestion failed: %v", err)
	}
	if answered.Status != domain.QuestionAnswered {
		t.Errorf("Expected ANSWERED, got %s", answered.Status)
	}
	if answered.AnswerText != "yes, ship it" {
		t.Errorf("Expected exact answer text, got %q", answered.AnswerText)
	}

	// The answer does not flip the session back; only the next step does.
	got, err = eng.repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != domain.StatusAwaitingInput {
		t.Errorf("Expected AWAITING_INPUT after answer, got %s", got.Status)
	}

	if _, _, err := eng.RecordStep(ctx, sess.ID, "deploying"); err != nil {
		t.Fatalf("RecordStep failed: %v", err)
	}
	got, err = eng.repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != domain.StatusActive {
		t.Errorf("Expected ACTIVE after next step, got %s", got.Status)
	}

	_, err = eng.AnswerQuestion(ctx, q.ID, "again")
	if !errors.Is(err, ErrQuestionAlreadyResolved) {
		t.Errorf("Expected ErrQuestionAlreadyResolved, got %v", err)
	}
}

func TestEndSessionBlockedByOpenQuestion(t *testing.T) {
	eng, notifier := newTestEngine(t)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	q, err := eng.OpenQuestion(ctx, sess.ID, "blocking?")
	if err != nil {
		t.Fatalf("OpenQuestion failed: %v", err)
	}

	err = eng.EndSession(ctx, sess.ID, domain.StatusCompleted)
	if !errors.Is(err, ErrQuestionStillOpen) {
		t.Fatalf("Expected ErrQuestionStillOpen, got %v", err)
	}

	if _, err := eng.ExpireQuestion(ctx, q.ID); err != nil {
		t.Fatalf("ExpireQuestion failed: %v", err)
	}
	if err := eng.EndSession(ctx, sess.ID, domain.StatusCompleted); err != nil {
		t.Fatalf("EndSession after expire failed: %v", err)
	}

	got, err := eng.repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("Expected ended_at to be set")
	}
	if ended := notifier.byKind(domain.NotifySessionEnded); len(ended) != 1 {
		t.Errorf("Expected 1 session_ended notification, got %d", len(ended))
	}

	// A closed session accepts no further writes.
	if _, _, err := eng.RecordStep(ctx, sess.ID, "late"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed for step, got %v", err)
	}
	if _, err := eng.AddFeedback(ctx, sess.ID, "late"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed for feedback, got %v", err)
	}
	if err := eng.EndSession(ctx, sess.ID, domain.StatusFailed); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed for repeated end, got %v", err)
	}
}

func TestEndSessionValidatesOutcome(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := eng.EndSession(ctx, sess.ID, domain.StatusActive); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for non-terminal outcome, got %v", err)
	}
}

func TestFeedbackDeliveredAtMostOnce(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, err := eng.AddFeedback(ctx, sess.ID, "try the other branch"); err != nil {
		t.Fatalf("AddFeedback failed: %v", err)
	}
	if _, err := eng.AddFeedback(ctx, sess.ID, "and add tests"); err != nil {
		t.Fatalf("AddFeedback failed: %v", err)
	}

	_, feedback, err := eng.RecordStep(ctx, sess.ID, "step one")
	if err != nil {
		t.Fatalf("RecordStep failed: %v", err)
	}
	if len(feedback) != 2 {
		t.Fatalf("Expected 2 feedback messages, got %d", len(feedback))
	}
	if feedback[0].Text != "try the other branch" {
		t.Errorf("Expected oldest feedback first, got %q", feedback[0].Text)
	}

	_, feedback, err = eng.RecordStep(ctx, sess.ID, "step two")
	if err != nil {
		t.Fatalf("RecordStep failed: %v", err)
	}
	if len(feedback) != 0 {
		t.Errorf("Expected delivered feedback to never reappear, got %d messages", len(feedback))
	}
}

func TestConcurrentStepsDeliverFeedbackOnce(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := eng.AddFeedback(ctx, sess.ID, "only once"); err != nil {
		t.Fatalf("AddFeedback failed: %v", err)
	}

	const workers = 8
	delivered := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, feedback, err := eng.RecordStep(ctx, sess.ID, "racing step")
			if err != nil {
				t.Errorf("RecordStep failed: %v", err)
				return
			}
			delivered <- len(feedback)
		}()
	}
	wg.Wait()
	close(delivered)

	total := 0
	for n := range delivered {
		total += n
	}
	if total != 1 {
		t.Errorf("Expected the feedback message delivered exactly once across steps, got %d deliveries", total)
	}
}

func TestQuestionOpenedDispatchedOncePerQuestion(t *testing.T) {
	eng, notifier := newTestEngine(t)
	ctx := context.Background()

	sess, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		q, err := eng.OpenQuestion(ctx, sess.ID, "round?")
		if err != nil {
			t.Fatalf("OpenQuestion failed: %v", err)
		}
		if _, err := eng.AnswerQuestion(ctx, q.ID, "sure"); err != nil {
			t.Fatalf("AnswerQuestion failed: %v", err)
		}
	}

	if opened := notifier.byKind(domain.NotifyQuestionOpened); len(opened) != 3 {
		t.Errorf("Expected one notification per question (3 total), got %d", len(opened))
	}
}

func TestPollQuestionNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.PollQuestion(context.Background(), "missing")
	if !errors.Is(err, ErrQuestionNotFound) {
		t.Errorf("Expected ErrQuestionNotFound, got %v", err)
	}
}

func TestOpenQuestionRequiresRunningSession(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.OpenQuestion(ctx, "missing", "anyone?")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	sess, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := eng.EndSession(ctx, sess.ID, domain.StatusFailed); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	_, err = eng.OpenQuestion(ctx, sess.ID, "too late?")
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestNewInstanceAfterClose(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := eng.EndSession(ctx, first.ID, domain.StatusCompleted); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	second, err := eng.CreateSession(ctx, "claude", "inst-1")
	if err != nil {
		t.Fatalf("CreateSession after close failed: %v", err)
	}
	if second.ID == first.ID {
		t.Error("Expected a fresh session after the previous one closed")
	}

	// The old session's history is still readable.
	old, err := eng.repo.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if old == nil || old.Status != domain.StatusCompleted {
		t.Errorf("Expected closed session preserved, got %+v", old)
	}
}

func TestSummarize(t *testing.T) {
	if got := summarize("short"); got != "short" {
		t.Errorf("Expected unmodified text, got %q", got)
	}
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	got := summarize(string(long))
	if len(got) != summaryLimit {
		t.Errorf("Expected summary of %d bytes, got %d", summaryLimit, len(got))
	}
	if got[len(got)-3:] != "..." {
		t.Errorf("Expected ellipsis suffix, got %q", got[len(got)-3:])
	}
}

func TestSummarizeMultibyte(t *testing.T) {
	// Three-byte runes guarantee the byte limit lands mid-rune.
	long := strings.Repeat("う", 200)
	got := summarize(long)
	if !utf8.ValidString(got) {
		t.Fatalf("Expected valid UTF-8 summary, got %q", got)
	}
	if len(got) > summaryLimit {
		t.Errorf("Expected at most %d bytes, got %d", summaryLimit, len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("Expected ellipsis suffix, got %q", got[len(got)-3:])
	}
	if !strings.HasPrefix(long, strings.TrimSuffix(got, "...")) {
		t.Errorf("Expected summary to be a prefix of the input, got %q", got)
	}
}

func TestStoreErrWrapping(t *testing.T) {
	if storeErr(nil) != nil {
		t.Error("Expected nil passthrough")
	}

	protocol := ErrSessionClosed
	if got := storeErr(protocol); !errors.Is(got, ErrSessionClosed) {
		t.Errorf("Expected protocol error passthrough, got %v", got)
	}
	if got := storeErr(protocol); errors.Is(got, ErrStoreUnavailable) {
		t.Error("Protocol errors must not be wrapped as store failures")
	}

	plain := errors.New("disk on fire")
	if got := storeErr(plain); !errors.Is(got, ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable wrap, got %v", got)
	}
}

// waitTimeout is generous to keep CI stable; the tests only care about
// ordering, not precise durations.
const waitTimeout = 5 * time.Second
