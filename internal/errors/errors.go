// Package errors defines structured error types for the API.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode is the machine readable kind of an API error.
type ErrorCode string

// Request errors.
const (
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrMissingField     ErrorCode = "MISSING_FIELD"
	ErrInvalidFormat    ErrorCode = "INVALID_FORMAT"
	ErrPayloadTooLarge  ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrUnauthorized     ErrorCode = "UNAUTHORIZED"
)

// Resource errors.
const (
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrDatasetNotFound ErrorCode = "DATASET_NOT_FOUND"
	// ErrLineNotFound is returned for missing and deleted lines.
	ErrLineNotFound    ErrorCode = "LINE_NOT_FOUND"
	ErrHistoryDisabled ErrorCode = "HISTORY_DISABLED"
	ErrConflict        ErrorCode = "CONFLICT"
)

// Server errors.
const (
	ErrStorageError ErrorCode = "STORAGE_ERROR"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

// ErrorWithStatus is an error that includes an HTTP status code and error code.
type ErrorWithStatus interface {
	Error() string
	StatusCode() int
	Code() ErrorCode
	Details() map[string]any
}

// APIError is a concrete error type with status code, code, and optional details.
type APIError struct {
	statusCode int
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// NewAPIError creates a new APIError with the given status code and message.
func NewAPIError(statusCode int, code ErrorCode, message string) *APIError {
	return &APIError{statusCode: statusCode, code: code, message: message}
}

// WithDetail adds a single detail to the error.
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap records the underlying cause.
func (e *APIError) Wrap(err error) *APIError {
	e.wrappedErr = err
	return e
}

func (e *APIError) Error() string {
	if e.wrappedErr == nil {
		return e.message
	}
	return e.message + ": " + e.wrappedErr.Error()
}

// StatusCode returns the HTTP status code.
func (e *APIError) StatusCode() int { return e.statusCode }

// Code returns the error code.
func (e *APIError) Code() ErrorCode { return e.code }

// Details returns additional error details, nil when there are none.
func (e *APIError) Details() map[string]any { return e.details }

func (e *APIError) Unwrap() error { return e.wrappedErr }

// NotFound creates a 404 for a resource.
func NotFound(resource string) *APIError {
	return NewAPIError(http.StatusNotFound, ErrNotFound, resource+" not found")
}

// BadRequest creates a 400.
func BadRequest(message string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrValidationFailed, message)
}

// MissingField creates a 400 for a missing field.
func MissingField(fieldName string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrMissingField, "missing required field: "+fieldName).WithDetail("field", fieldName)
}

// Conflict creates a 409.
func Conflict(message string) *APIError {
	return NewAPIError(http.StatusConflict, ErrConflict, message)
}

// Unauthorized returns a 401.
func Unauthorized() error {
	return NewAPIError(http.StatusUnauthorized, ErrUnauthorized, "authentication required")
}

// PayloadTooLarge returns a 413 error for request bodies above limit bytes.
func PayloadTooLarge(limit int64) *APIError {
	return NewAPIError(http.StatusRequestEntityTooLarge, ErrPayloadTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit)).WithDetail("limit", limit)
}

// TooManyRequests returns a 429.
func TooManyRequests(retryAfterSeconds int) *APIError {
	return NewAPIError(http.StatusTooManyRequests, ErrRateLimited, "rate limit exceeded").WithDetail("retryAfter", retryAfterSeconds)
}

// FromStatus returns an APIError for a per-line status computed by the
// transaction engine.
func FromStatus(status int, message string) *APIError {
	code := ErrValidationFailed
	switch status {
	case http.StatusNotFound:
		code = ErrLineNotFound
	case http.StatusConflict:
		code = ErrConflict
	case http.StatusInternalServerError:
		code = ErrStorageError
	}
	return NewAPIError(status, code, message)
}

// InternalWithError creates a 500 wrapping an underlying error.
func InternalWithError(message string, err error) *APIError {
	return NewAPIError(http.StatusInternalServerError, ErrInternal, message).Wrap(err)
}

// HistoryDisabled creates the 400 returned when revisions are read on a
// dataset without history.
func HistoryDisabled() *APIError {
	return NewAPIError(http.StatusBadRequest, ErrHistoryDisabled, "line history is not enabled for this dataset")
}
