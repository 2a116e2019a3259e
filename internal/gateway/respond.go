package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentdeck/agentdeck/internal/engine"
	"github.com/agentdeck/agentdeck/pkg/api"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// errorCode maps an engine outcome to its wire code and HTTP status.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return "validation_error", http.StatusBadRequest
	case errors.Is(err, engine.ErrSessionNotFound):
		return "session_not_found", http.StatusNotFound
	case errors.Is(err, engine.ErrQuestionNotFound):
		return "question_not_found", http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateInstance):
		return "duplicate_instance", http.StatusConflict
	case errors.Is(err, engine.ErrSessionClosed):
		return "session_closed", http.StatusConflict
	case errors.Is(err, engine.ErrQuestionAlreadyOpen):
		return "question_already_open", http.StatusConflict
	case errors.Is(err, engine.ErrQuestionStillOpen):
		return "question_still_open", http.StatusConflict
	case errors.Is(err, engine.ErrQuestionAlreadyResolved):
		return "question_already_resolved", http.StatusConflict
	case errors.Is(err, engine.ErrStoreUnavailable):
		return "store_unavailable", http.StatusServiceUnavailable
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

// writeError writes the JSON error envelope for an operation failure.
func writeError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	writeJSON(w, status, api.ErrorResponse{Error: err.Error(), Code: code})
}
