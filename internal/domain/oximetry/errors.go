package oximetry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no measurement has the requested key.
	ErrNotFound = errors.New("measurement not found")
	// ErrConflict is returned when a versioned save lost a race and the row
	// still exists.
	ErrConflict = errors.New("measurement was modified concurrently")
	// ErrPreconditionFailed is returned when If-Match names a stale version.
	ErrPreconditionFailed = errors.New("entity tag does not match the current version")
)

// FieldError is one invalid property.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError reports an invalid request body or entity.
type ValidationError struct {
	Message string
	Details []FieldError
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "the entity is invalid"
	}
	if len(e.Details) == 0 {
		return msg
	}
	parts := make([]string, len(e.Details))
	for i, d := range e.Details {
		parts[i] = d.Field + ": " + d.Message
	}
	return msg + ": " + strings.Join(parts, "; ")
}

func invalidf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func invalidField(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Message: "the request body is invalid",
		Details: []FieldError{{Field: field, Message: fmt.Sprintf(format, args...)}},
	}
}
