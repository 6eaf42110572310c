// Package errors defines the application error type and the wire envelope
// shared by every API endpoint: {"error":{"message","type","code"}}.
package errors

import (
	"fmt"
	"net/http"
)

// Error type identifiers carried in the envelope's "type" field.
const (
	TypeIPNotFound        = "ip_not_found"
	TypeRateLimitExceeded = "rate_limit_exceeded"
	TypeServerError       = "server_error"
)

// AppError represents an application error with its HTTP status and the
// wire-level error type.
type AppError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Message    string `json:"message"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Envelope returns the JSON body for this error. The numeric code mirrors
// the HTTP status, matching what clients parse out of non-2xx responses.
func (e *AppError) Envelope() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    e.Type,
			"code":    e.StatusCode,
		},
	}
}

// New creates a new application error
func New(statusCode int, errType string, message string) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Type:       errType,
		Message:    message,
	}
}

// NewIPNotFoundError rejects requests whose client IP cannot be resolved.
func NewIPNotFoundError(message string) *AppError {
	return New(http.StatusBadRequest, TypeIPNotFound, message)
}

// NewRateLimitError signals an exhausted daily quota.
func NewRateLimitError(message string) *AppError {
	return New(http.StatusTooManyRequests, TypeRateLimitExceeded, message)
}

// NewServerError wraps upstream and unexpected failures.
func NewServerError(message string) *AppError {
	return New(http.StatusInternalServerError, TypeServerError, message)
}

// FromError converts a standard error to an AppError. AppErrors pass
// through unchanged; anything else becomes a server_error carrying the
// original message.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return NewServerError(err.Error())
}

// GetStatusCode extracts the HTTP status code, defaulting to 500.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// GetType extracts the wire error type, defaulting to server_error.
func GetType(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return TypeServerError
}
