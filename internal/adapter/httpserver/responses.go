// Package httpserver contains the OpenAI-compatible HTTP surface and its
// middleware. Handlers stay thin: decode, validate, hand off to the dispatch
// pipeline, and shape the response envelope.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/ai-chat-bridge/internal/domain"
)

// errorEnvelope mirrors the OpenAI error shape so off-the-shelf clients can
// surface failures without special-casing this server.
type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the dispatch error taxonomy onto HTTP statuses: client
// mistakes are 400, an empty pool is 503, a worker that failed us mid-flight
// is 502, and a silent worker is 504.
func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	status := http.StatusInternalServerError
	kind := "api_error"
	code := "internal"
	switch {
	case errors.Is(err, domain.ErrMissingUser):
		status = http.StatusBadRequest
		kind = "invalid_request_error"
		code = "missing_user"
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		kind = "invalid_request_error"
		code = "invalid_argument"
	case errors.Is(err, domain.ErrNoWorker):
		status = http.StatusServiceUnavailable
		kind = "service_unavailable"
		code = "no_worker"
	case errors.Is(err, domain.ErrCapacity):
		status = http.StatusServiceUnavailable
		kind = "service_unavailable"
		code = "capacity"
	case errors.Is(err, domain.ErrTransport):
		status = http.StatusBadGateway
		kind = "api_error"
		code = "transport_error"
	case errors.Is(err, domain.ErrWorkerGone):
		status = http.StatusBadGateway
		kind = "api_error"
		code = "worker_gone"
	case errors.Is(err, domain.ErrTimeout):
		status = http.StatusGatewayTimeout
		kind = "api_error"
		code = "timeout"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Message: err.Error(), Type: kind, Code: code}})
}
