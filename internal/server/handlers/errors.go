// Package handlers implements the HTTP handlers of the ops server.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/genomatrix/pkg/faults"
)

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps ErrorBody as {"error": {...}}.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an error envelope. The chi request id, when present,
// becomes the envelope's correlation id.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	envelope := gferrors.NewErrorEnvelope(code, message)
	if r != nil {
		if id := middleware.GetReqID(r.Context()); id != "" {
			envelope = envelope.WithCorrelationID(id)
		}
	}
	if len(details) > 0 {
		if withCtx, err := envelope.WithContext(details); err == nil {
			envelope = withCtx
		}
	}
	WriteEnvelope(w, envelope, status)
}

// WriteEnvelope renders a gofulmen error envelope as {"error": {...}}.
func WriteEnvelope(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope, status int) {
	body := ErrorBody{
		Code:      envelope.Code,
		Message:   envelope.Message,
		Details:   envelope.Context,
		RequestID: envelope.CorrelationID,
	}
	WriteJSON(w, status, HTTPErrorResponse{Error: body})
}

var httpErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder overrides how handler errors are rendered. nil
// restores the default.
func SetHTTPErrorResponder(fn func(http.ResponseWriter, *http.Request, error)) {
	if fn == nil {
		httpErrorResponder = defaultErrorResponder
		return
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, faults.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, faults.ErrInvalidRequest):
		WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case faults.IsPersistence(err):
		WriteError(w, r, http.StatusServiceUnavailable, "PERSISTENCE_ERROR", "database unavailable", nil)
	default:
		WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

// NotFound renders unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found", map[string]any{"path": r.URL.Path})
}

// MethodNotAllowed renders known routes hit with the wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", map[string]any{"method": r.Method})
}
