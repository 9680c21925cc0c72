// Package httpapi is the operator-facing HTTP surface: login, inbox,
// catalog management, withdrawals, staff permissions, and tenant
// settings, plus the public webhook and health endpoints.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/pkg/logging"
)

const maxBodyBytes = 1 << 20

// errorBody is the wire shape of every API error.
type errorBody struct {
	Code    apperr.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError renders err in the standard envelope. Untyped errors are
// wrapped as INTERNAL_ERROR so internals never leak to clients.
func writeError(w http.ResponseWriter, logger *logging.Logger, err error) {
	typed := apperr.From(err)
	if typed.Code == apperr.CodeInternal && logger != nil {
		logger.Error("request failed", "error", err)
	}
	if typed.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(typed.RetryAfterSeconds))
	}
	writeJSON(w, typed.HTTPStatus(), errorEnvelope{Error: errorBody{
		Code:    typed.Code,
		Message: typed.Message,
		Details: typed.Details,
	}})
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidInput, "unreadable request body", err)
	}
	if len(body) == 0 {
		return apperr.New(apperr.CodeInvalidInput, "empty request body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.Wrap(apperr.CodeInvalidInput, "malformed JSON body", err)
	}
	return nil
}

// queryInt parses an optional integer query parameter with a fallback.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
