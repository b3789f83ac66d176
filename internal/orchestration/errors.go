package orchestration

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidID is returned for identifiers that are not well-formed UUIDs.
	ErrInvalidID = errors.New("invalid identifier")
	// ErrValidation is returned for malformed requests.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a session or node does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller does not own the session.
	ErrForbidden = errors.New("access denied")
	// ErrAlreadyAnswered is returned when a question already has an answer.
	ErrAlreadyAnswered = errors.New("question already answered")
	// ErrConflict is returned when a concurrent request changed the session.
	ErrConflict = errors.New("concurrent modification")
	// ErrInternal hides unexpected failures from callers.
	ErrInternal = errors.New("internal error")
)

// StopError reports that the conversation may not continue. Any status
// change implied by Reason has already been committed.
type StopError struct {
	Reason string
}

func (e *StopError) Error() string {
	return fmt.Sprintf("conversation stopped: %s", e.Reason)
}

// UpstreamError wraps a completion service failure.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("completion service: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
