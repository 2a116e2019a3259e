package engine

import (
	"sync"
)

// WaitOutcome describes how a blocking wait on a question concluded.
type WaitOutcome string

const (
	// OutcomeAnswered means the question was answered; Answer carries the
	// exact answer text.
	OutcomeAnswered WaitOutcome = "answered"

	// OutcomeTimeout means the caller-supplied timeout elapsed. The
	// question remains OPEN and can be waited on again.
	OutcomeTimeout WaitOutcome = "timeout"

	// OutcomeExpired means the question was explicitly expired.
	OutcomeExpired WaitOutcome = "expired"

	// OutcomeSessionClosed means the owning session reached COMPLETED or
	// FAILED while the wait was outstanding.
	OutcomeSessionClosed WaitOutcome = "session_closed"
)

// WaitResult is delivered to each waiter when its question resolves.
type WaitResult struct {
	Outcome WaitOutcome
	Answer  string
}

// waitRegistry is the single wait-point abstraction shared by blocking and
// polling consumers: one wait-point per open question id. Resolving a
// question wakes only the waiters registered for that id, never
// cross-session.
type waitRegistry struct {
	mu        sync.Mutex
	waiters   map[string][]chan WaitResult // question id -> waiters
	bySession map[string]map[string]bool   // session id -> question ids with waiters
	sessionOf map[string]string            // question id -> session id
}

func newWaitRegistry() *waitRegistry {
	return &waitRegistry{
		waiters:   make(map[string][]chan WaitResult),
		bySession: make(map[string]map[string]bool),
		sessionOf: make(map[string]string),
	}
}

// register adds a waiter for a question and returns its result channel.
// The channel is buffered so a resolver never blocks on a slow waiter.
func (r *waitRegistry) register(sessionID, questionID string) chan WaitResult {
	ch := make(chan WaitResult, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.waiters[questionID] = append(r.waiters[questionID], ch)
	r.sessionOf[questionID] = sessionID
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]bool)
	}
	r.bySession[sessionID][questionID] = true
	return ch
}

// unregister removes a single waiter, used when a wait times out or its
// context is canceled. The question itself stays OPEN.
func (r *waitRegistry) unregister(questionID string, ch chan WaitResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiters := r.waiters[questionID]
	for i, w := range waiters {
		if w == ch {
			r.waiters[questionID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[questionID]) == 0 {
		r.dropLocked(questionID)
	}
}

// resolve wakes every waiter registered for the question.
func (r *waitRegistry) resolve(questionID string, res WaitResult) {
	r.mu.Lock()
	waiters := r.waiters[questionID]
	r.dropLocked(questionID)
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}
}

// closeSession wakes every waiter on every question of the session.
func (r *waitRegistry) closeSession(sessionID string, res WaitResult) {
	r.mu.Lock()
	var woken []chan WaitResult
	for questionID := range r.bySession[sessionID] {
		woken = append(woken, r.waiters[questionID]...)
		r.dropLocked(questionID)
	}
	r.mu.Unlock()

	for _, ch := range woken {
		ch <- res
	}
}

func (r *waitRegistry) dropLocked(questionID string) {
	delete(r.waiters, questionID)
	sessionID, ok := r.sessionOf[questionID]
	if !ok {
		return
	}
	delete(r.sessionOf, questionID)
	if qs := r.bySession[sessionID]; qs != nil {
		delete(qs, questionID)
		if len(qs) == 0 {
			delete(r.bySession, sessionID)
		}
	}
}
