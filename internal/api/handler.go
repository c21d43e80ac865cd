// Package api provides HTTP handlers for the tour guide API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/yunhe-labs/tourguide/internal/session"
	"github.com/yunhe-labs/tourguide/internal/shared"
)

const maxRequestBodySize = 64 * 1024

// Catalog lists the knowledge base categories.
type Catalog interface {
	Categories() []string
	Len() int
}

// Handler provides the session endpoints.
type Handler struct {
	svc     *session.Service
	catalog Catalog
	limiter *RateLimiter
}

// NewHandler creates a new Handler. limiter may be nil to disable
// question throttling.
func NewHandler(svc *session.Service, catalog Catalog, limiter *RateLimiter) *Handler {
	return &Handler{
		svc:     svc,
		catalog: catalog,
		limiter: limiter,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a service error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case session.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, shared.ErrIO):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with its mapped status. Internal errors are logged
// and not echoed to the client.
func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
		Error(w, status, "internal error")
		return
	}
	var ve *shared.ValidationError
	if errors.As(err, &ve) {
		Error(w, status, ve.Error())
		return
	}
	Error(w, status, err.Error())
}

// decode reads a bounded JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return shared.NewValidationError("body", "invalid request body")
	}
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
