// Package huberrors provides sentinel and custom error types for the application.
package huberrors

import (
	"errors"
	"strconv"
)

// ErrStoreUnavailable signals that the queue store cannot be reached.
// A dispatch run that observes it stops instead of retrying.
var ErrStoreUnavailable = errors.New("queue store unavailable")

// ErrValidation represents a validation error.
// Use when input data (chunk rows, inference responses) fails validation.
var ErrValidation = &ValidationError{}

// ValidationError is a sentinel error for validation failures.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a new ValidationError with a custom message.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Field != "" {
		return "validation failed for field: " + e.Field
	}

	return "validation error"
}

// Is implements the error interface for error comparison.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)

	return ok
}

// ErrConfig is the sentinel for startup configuration errors.
var ErrConfig = &ConfigError{}

// ConfigError reports a missing or invalid configuration value. The process exits on it.
type ConfigError struct {
	Field   string
	Message string
}

// NewConfigError creates a ConfigError for the given variable.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	switch {
	case e.Field != "" && e.Message != "":
		return e.Field + ": " + e.Message
	case e.Message != "":
		return e.Message
	case e.Field != "":
		return "invalid configuration: " + e.Field
	default:
		return "invalid configuration"
	}
}

// Is implements the error interface for error comparison.
func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)

	return ok
}

// ErrDispatch is the sentinel for remote endpoint failures (inference or receiver).
var ErrDispatch = &DispatchError{}

// DispatchError describes a non-success response from a remote endpoint.
type DispatchError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

// NewDispatchError creates a DispatchError.
func NewDispatchError(endpoint string, statusCode int, body string) *DispatchError {
	return &DispatchError{Endpoint: endpoint, StatusCode: statusCode, Body: body}
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	msg := e.Endpoint + " returned status " + strconv.Itoa(e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}

	return msg
}

// Is implements the error interface for error comparison.
func (e *DispatchError) Is(target error) bool {
	_, ok := target.(*DispatchError)

	return ok
}
