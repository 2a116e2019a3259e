package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/feed"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/api"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// IdempotencyHeader carries the caller-supplied key that makes a retried
// mutating request replay its first response instead of re-executing.
const IdempotencyHeader = "X-Idempotency-Key"

// HTTPHandler is the request/response protocol binding: the interception
// proxy's writer surface plus the human-facing answer, feedback, and read
// endpoints.
type HTTPHandler struct {
	gw   *Gateway
	repo store.Repository
	hub  *feed.Hub
}

// NewHTTPHandler creates the HTTP binding.
func NewHTTPHandler(gw *Gateway, repo store.Repository, hub *feed.Hub) *HTTPHandler {
	return &HTTPHandler{gw: gw, repo: repo, hub: hub}
}

// RegisterAgentRoutes mounts the writer surface. Callers wrap the router
// group with the agent-key middleware.
func (h *HTTPHandler) RegisterAgentRoutes(r chi.Router) {
	r.Post("/api/v1/steps", h.handleLogStep)
	r.Post("/api/v1/questions", h.handleAskQuestion)
	r.Get("/api/v1/questions/{id}", h.handlePollQuestion)
	r.Post("/api/v1/sessions/end", h.handleEndSession)
	r.Post("/api/v1/events", h.handleIngestEvent)
}

// RegisterDashboardRoutes mounts the human-facing surface. Callers wrap
// the router group with the dashboard-key middleware.
func (h *HTTPHandler) RegisterDashboardRoutes(r chi.Router) {
	r.Get("/api/v1/sessions", h.handleListSessions)
	r.Get("/api/v1/sessions/{id}", h.handleGetSession)
	r.Post("/api/v1/sessions/{id}/feedback", h.handleSendFeedback)
	r.Get("/api/v1/questions/pending", h.handleListPending)
	r.Post("/api/v1/questions/{id}/answer", h.handleAnswerQuestion)
	r.Post("/api/v1/questions/{id}/expire", h.handleExpireQuestion)
	r.Get("/ws/feed", h.handleFeed)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{
			Error: "invalid JSON body: " + err.Error(),
			Code:  "validation_error",
		})
		return false
	}
	return true
}

// storableResult reports whether a successful response may be recorded
// under an idempotency key. A timed-out blocking ask resolved nothing,
// so a retry under the same key must re-execute, not replay the timeout.
func storableResult(v interface{}) bool {
	if resp, ok := v.(*api.AskQuestionResponse); ok {
		return resp.Outcome != api.OutcomeTimeout
	}
	return true
}

// idempotent runs op under the request's idempotency key, if present: a
// key seen before replays the stored first response verbatim.
func (h *HTTPHandler) idempotent(w http.ResponseWriter, r *http.Request, op string, fn func() (interface{}, error)) {
	key := r.Header.Get(IdempotencyHeader)
	if key != "" {
		stored, err := h.repo.GetIdempotentResult(r.Context(), key)
		if err != nil {
			slog.Warn("idempotency lookup failed", "key", key, "error", err)
		} else if stored != nil && stored.Operation == op {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte(stored.Response)); err != nil {
				slog.Debug("failed to write replayed response", "error", err)
			}
			return
		}
	}

	v, err := fn()
	if err != nil {
		writeError(w, err)
		return
	}

	if key != "" && storableResult(v) {
		body, marshalErr := json.Marshal(v)
		if marshalErr == nil {
			if putErr := h.repo.PutIdempotentResult(r.Context(), key, op, string(body)); putErr != nil {
				slog.Warn("failed to store idempotency result", "key", key, "error", putErr)
			}
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *HTTPHandler) handleLogStep(w http.ResponseWriter, r *http.Request) {
	var req api.LogStepRequest
	if !decode(w, r, &req) {
		return
	}
	h.idempotent(w, r, "log_step", func() (interface{}, error) {
		return h.gw.LogStep(r.Context(), req)
	})
}

func (h *HTTPHandler) handleAskQuestion(w http.ResponseWriter, r *http.Request) {
	var req api.AskQuestionRequest
	if !decode(w, r, &req) {
		return
	}
	h.idempotent(w, r, "ask_question", func() (interface{}, error) {
		return h.gw.AskQuestion(r.Context(), req)
	})
}

func (h *HTTPHandler) handlePollQuestion(w http.ResponseWriter, r *http.Request) {
	resp, err := h.gw.PollQuestion(r.Context(), api.PollQuestionRequest{
		QuestionID: chi.URLParam(r, "id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req api.EndSessionRequest
	if !decode(w, r, &req) {
		return
	}
	h.idempotent(w, r, "end_session", func() (interface{}, error) {
		return h.gw.EndSession(r.Context(), req)
	})
}

func (h *HTTPHandler) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	if !decode(w, r, &ev) {
		return
	}
	h.idempotent(w, r, "ingest_event", func() (interface{}, error) {
		if err := h.gw.IngestEvent(r.Context(), ev); err != nil {
			return nil, err
		}
		return map[string]bool{"accepted": true}, nil
	})
}

func (h *HTTPHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.gw.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *HTTPHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	detail, err := h.gw.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *HTTPHandler) handleSendFeedback(w http.ResponseWriter, r *http.Request) {
	var req api.SendFeedbackRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.gw.SendFeedback(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleListPending(w http.ResponseWriter, r *http.Request) {
	questions, err := h.gw.ListPendingQuestions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"questions": questions})
}

func (h *HTTPHandler) handleAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Answer string `json:"answer"`
	}
	if !decode(w, r, &body) {
		return
	}
	resp, err := h.gw.AnswerQuestion(r.Context(), api.AnswerQuestionRequest{
		QuestionID: chi.URLParam(r, "id"),
		Answer:     body.Answer,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleExpireQuestion(w http.ResponseWriter, r *http.Request) {
	resp, err := h.gw.ExpireQuestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleFeed(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		http.Error(w, "feed not enabled", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept feed WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "feed closed"); closeErr != nil {
			slog.Debug("failed to close feed websocket", "error", closeErr)
		}
	}()

	h.hub.Serve(r.Context(), conn)
}
