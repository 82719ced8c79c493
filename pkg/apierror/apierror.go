// Package apierror defines the hub's error envelope. Every error response has
// the shape {"error": {"code", "message", "requestId", "details"}}.
package apierror

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Error codes.
const (
	CodeInvalidRequest         = "invalid_request"
	CodeUnauthorized           = "unauthorized"
	CodeNotFound               = "not_found"
	CodeMethodNotAllowed       = "method_not_allowed"
	CodeInflight               = "inflight"
	CodePayloadTooLarge        = "payload_too_large"
	CodeRateLimited            = "rate_limited"
	CodeInternal               = "internal_error"
	CodeExecutionFailed        = "execution_failed"
	CodeFacilitatorUnavailable = "facilitator_unavailable"
	CodeCircuitOpen            = "circuit_open"
)

// Error is the payload inside the envelope.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"requestId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Body is the envelope.
type Body struct {
	Error Error `json:"error"`
}

// APIError is an error that knows its HTTP status.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New returns an APIError.
func New(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

// WithDetails returns a copy of e carrying details.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	cp := *e
	cp.Details = details
	return &cp
}

// Marshal encodes the envelope for e.
func (e *APIError) Marshal(requestID string) []byte {
	return Marshal(e.Code, e.Message, requestID, e.Details)
}

// Marshal encodes an error envelope.
func Marshal(code, message, requestID string, details map[string]any) []byte {
	raw, err := json.Marshal(Body{Error: Error{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Details:   details,
	}})
	if err != nil {
		// Details only ever hold JSON-safe values; this is unreachable in
		// practice but must still yield a valid body.
		raw, _ = json.Marshal(Body{Error: Error{Code: code, Message: message, RequestID: requestID}})
	}
	return raw
}

// Write writes e as a JSON response.
func Write(w http.ResponseWriter, requestID string, e *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Marshal(requestID))
}

// WriteBadRequest writes a 400 invalid_request response.
func WriteBadRequest(w http.ResponseWriter, requestID, message string, details map[string]any) {
	Write(w, requestID, New(http.StatusBadRequest, CodeInvalidRequest, message).WithDetails(details))
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, requestID, message string) {
	if message == "" {
		message = "Authentication required"
	}
	Write(w, requestID, New(http.StatusUnauthorized, CodeUnauthorized, message))
}

// WriteNotFound writes a 404 response.
func WriteNotFound(w http.ResponseWriter, requestID string) {
	Write(w, requestID, New(http.StatusNotFound, CodeNotFound, "Route not found"))
}

// WriteMethodNotAllowed writes a 405 response advertising the allowed methods.
func WriteMethodNotAllowed(w http.ResponseWriter, requestID string, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	Write(w, requestID, New(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed"))
}

// WritePayloadTooLarge writes a 413 response.
func WritePayloadTooLarge(w http.ResponseWriter, requestID string, limit int64) {
	Write(w, requestID, New(http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "Request body too large").
		WithDetails(map[string]any{"limitBytes": limit}))
}

// WriteTooManyRequests writes a 429 response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, requestID string, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	Write(w, requestID, New(http.StatusTooManyRequests, CodeRateLimited, "Too many requests").
		WithDetails(map[string]any{"retryAfter": retryAfterSecs}))
}

// WriteInternal writes a 500 response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, requestID string, err error) {
	slog.Error("internal server error", "error", err, "request_id", requestID)
	Write(w, requestID, New(http.StatusInternalServerError, CodeInternal, "An unexpected error occurred"))
}
