package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"xthreadcraft/internal/logger"
	"xthreadcraft/internal/models"
)

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    meta        `json:"meta"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Meta: buildMeta(r)})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   &apiError{Code: code, Message: message},
		Meta:    buildMeta(r),
	})
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, models.ErrDuplicatePending):
		writeError(w, r, http.StatusConflict, "DUPLICATE_PENDING", err.Error())
	case errors.Is(err, models.ErrAlreadyExecuting):
		writeError(w, r, http.StatusConflict, "ALREADY_EXECUTING", err.Error())
	case errors.Is(err, models.ErrConflict):
		writeError(w, r, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, models.ErrFatalExternal):
		writeError(w, r, http.StatusBadGateway, "EXTERNAL_REJECTED", err.Error())
	case errors.Is(err, models.ErrRetryableExternal):
		writeError(w, r, http.StatusServiceUnavailable, "EXTERNAL_UNAVAILABLE", err.Error())
	default:
		logger.Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func buildMeta(r *http.Request) meta {
	id := chimiddleware.GetReqID(r.Context())
	if id == "" {
		id = r.Header.Get("X-Request-Id")
	}
	if id == "" {
		id = "req-unknown"
	}
	return meta{RequestID: id, Timestamp: time.Now().UTC()}
}
