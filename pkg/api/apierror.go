// Package api implements the relay's HTTP surface: client push and pull,
// the peer replication endpoint and health, with RFC 7807 error responses.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the request's X-Request-ID when one was assigned.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("https://relay.helm.dev/errors/%d", status)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:    problemType(status),
		Title:   title,
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	})
}

// WriteErrorR is WriteError with the request path as the problem instance.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WritePayloadTooLarge writes a 413 error response.
func WritePayloadTooLarge(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", detail)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get("X-Request-ID"))
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// writeJSON writes v without HTML escaping so stored payloads go out byte
// for byte as they were canonicalized.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
