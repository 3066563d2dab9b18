// Package errors provides structured error handling for extsource
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents malformed or missing static configuration
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypePattern represents interpolation or substitution failures
	ErrorTypePattern ErrorType = "pattern"
	// ErrorTypeDataType represents type-conversion failures
	ErrorTypeDataType ErrorType = "data_type"
	// ErrorTypeDataValue represents missing or invalid runtime values
	ErrorTypeDataValue ErrorType = "data_value"
	// ErrorTypeExpression represents expression-evaluation failures
	ErrorTypeExpression ErrorType = "expression"
	// ErrorTypeTime represents misuse of time values and windows
	ErrorTypeTime ErrorType = "time"
	// ErrorTypeLoad represents cache, loader, or backend load failures
	ErrorTypeLoad ErrorType = "load"
	// ErrorTypeAuthentication represents authentication failures
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeConnection represents transport failures
	ErrorTypeConnection ErrorType = "connection"
)

// Error represents a structured error with context. The Path field
// accumulates the nested keys, indices, and configuration ids traversed
// while the error propagates, so the final message pinpoints the failing
// field, measurement, or configuration.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Path    []any
	Details map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		if msg != "" {
			msg = fmt.Sprintf("%s: %v", msg, e.Cause)
		} else {
			msg = e.Cause.Error()
		}
	}
	if len(e.Path) == 0 {
		return fmt.Sprintf("%s: %s", e.Type, msg)
	}
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteString(": @")
	for _, elem := range e.Path {
		fmt.Fprintf(&b, "[%q]", fmt.Sprint(elem))
	}
	b.WriteString(": ")
	b.WriteString(msg)
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// PrependPath pushes path elements in front of the accumulated error path.
// It is called while an error propagates upward, so outer callers prepend
// their own key or id before re-raising.
func (e *Error) PrependPath(elems ...any) *Error {
	e.Path = append(append([]any{}, elems...), e.Path...)
	return e
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...any) *Error {
	return New(errType, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with additional context. If the wrapped
// error already carries a path, the path is lifted onto the new error so
// it keeps accumulating across layers.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Path:    append([]any{}, existing.Path...),
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
	}
}

// Prepend prepends path elements onto err when err is an *Error;
// otherwise it wraps err into a new *Error of the given type first. The
// returned error always carries the extended path.
func Prepend(err error, errType ErrorType, elems ...any) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e.PrependPath(elems...)
	}
	return Wrap(err, errType, "").PrependPath(elems...)
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}
