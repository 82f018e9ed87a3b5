package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol covers unparsable frames and unknown frame types.
	ErrProtocol = errors.New("protocol error")
	// ErrAuthRequired is returned for authenticated-only frames sent before
	// user:authenticate.
	ErrAuthRequired = errors.New("must authenticate first")
	// ErrPersistence marks a failed gateway write; nothing was broadcast.
	ErrPersistence = errors.New("persistence failed")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrForbidden   = errors.New("forbidden")
)

// Error codes carried by outbound error frames.
const (
	CodeProtocol             = "protocol_error"
	CodeAuthRequired         = "auth_required"
	CodeValidation           = "validation_error"
	CodePersistence          = "persistence_error"
	CodeAlreadyAuthenticated = "already_authenticated"
	CodeRateLimited          = "rate_limited"
	CodeForbidden            = "forbidden"
	CodeInternal             = "internal_error"
)

// ValidationError names the payload field that failed validation.
type ValidationError struct {
	Field string
	Tag   string
}

func (e *ValidationError) Error() string {
	if e.Tag == "required" || e.Tag == "" {
		return fmt.Sprintf("missing required field '%s'", e.Field)
	}
	return fmt.Sprintf("field '%s' failed '%s' validation", e.Field, e.Tag)
}

// PersistenceError wraps a gateway failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence wraps err as a PersistenceError for op.
func Persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// Protocolf returns an ErrProtocol with detail.
func Protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
