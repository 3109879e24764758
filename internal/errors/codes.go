// Package errors provides the error taxonomy of the KV service and its
// mapping onto HTTP responses.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	// Client errors
	ErrorCodeValidation     ErrorCode = "VALIDATION_ERROR"
	ErrorCodeTypeMismatch   ErrorCode = "TYPE_MISMATCH"
	ErrorCodeOutOfBounds    ErrorCode = "OUT_OF_BOUNDS"
	ErrorCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrorCodeBodyParse      ErrorCode = "BODY_PARSE_ERROR"
	ErrorCodeAuth           ErrorCode = "AUTH_ERROR"
	ErrorCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorCodeRouteNotFound  ErrorCode = "ROUTE_NOT_FOUND"
	ErrorCodeMethodNotAllow ErrorCode = "METHOD_NOT_ALLOWED"

	// Server errors
	ErrorCodeUpstreamAuth ErrorCode = "UPSTREAM_AUTH_FAILURE"
	ErrorCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// KVError represents a structured error with code and context.
type KVError struct {
	Code    ErrorCode
	Message string
	// Status overrides the status derived from Code. Used for upstream
	// auth responses that are passed through unchanged.
	Status  int
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *KVError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *KVError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error onto an HTTP status code.
func (e *KVError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}

	switch e.Code {
	case ErrorCodeValidation, ErrorCodeTypeMismatch, ErrorCodeOutOfBounds, ErrorCodeBodyParse:
		return http.StatusBadRequest
	case ErrorCodeNotFound, ErrorCodeRouteNotFound:
		return http.StatusNotFound
	case ErrorCodeMethodNotAllow:
		return http.StatusMethodNotAllowed
	case ErrorCodeAuth:
		return http.StatusUnauthorized
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to show to a client. Internal errors
// never expose their cause.
func (e *KVError) PublicMessage() string {
	return e.Message
}

// NewKVError creates a new KVError
func NewKVError(code ErrorCode, message string, cause error) *KVError {
	return &KVError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *KVError) WithDetail(key string, value interface{}) *KVError {
	e.Details[key] = value
	return e
}

// WithStatus pins the HTTP status of the error.
func (e *KVError) WithStatus(status int) *KVError {
	e.Status = status
	return e
}

// Convenience constructors for common errors

func Validation(message string) *KVError {
	return NewKVError(ErrorCodeValidation, message, nil)
}

func TypeMismatch(key string) *KVError {
	return NewKVError(ErrorCodeTypeMismatch, "Key has a non-array value.", nil).
		WithDetail("key", key)
}

func OutOfBounds(index, length int) *KVError {
	return NewKVError(ErrorCodeOutOfBounds, "Index is out of bounds.", nil).
		WithDetail("index", index).
		WithDetail("length", length)
}

func NotFound(key string) *KVError {
	return NewKVError(ErrorCodeNotFound, "Key does not exist.", nil).
		WithDetail("key", key)
}

func BodyParse(cause error) *KVError {
	return NewKVError(ErrorCodeBodyParse, "Invalid request body.", cause)
}

// Unauthorized is an authentication failure. status is 401 for local header
// problems and the upstream status (401 or 404) for passthrough failures.
func Unauthorized(message string, status int) *KVError {
	return NewKVError(ErrorCodeAuth, message, nil).WithStatus(status)
}

func UpstreamAuth(message string, cause error) *KVError {
	return NewKVError(ErrorCodeUpstreamAuth, message, cause)
}

func Internal(message string, cause error) *KVError {
	return NewKVError(ErrorCodeInternal, message, cause)
}

// IsKVError checks if an error is, or wraps, a KVError
func IsKVError(err error) bool {
	var kvErr *KVError
	return stderrors.As(err, &kvErr)
}

// FromError extracts a KVError from err. Errors outside the taxonomy become
// internal errors wrapping the original.
func FromError(err error) *KVError {
	var kvErr *KVError
	if stderrors.As(err, &kvErr) {
		return kvErr
	}
	return Internal("Unknown error occurred.", err)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var kvErr *KVError
	if stderrors.As(err, &kvErr) {
		return kvErr.Code
	}
	return ErrorCodeInternal
}
