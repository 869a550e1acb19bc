// Package apperr defines the error kinds every command in the engine reports.
// Callers match kinds with errors.Is; messages carry the package prefix of the
// component that produced them.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation signals malformed input: bad fault split, missing amount, short reasoning.
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition signals the state machine contract was violated.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConcurrencyConflict signals a lost compare-and-set race or a stale expected version.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrNotFound is returned when the addressed aggregate does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the principal lacks the capability for a command.
	ErrForbidden = errors.New("forbidden")
	// ErrTransient marks executor failures the scheduler may retry.
	ErrTransient = errors.New("transient error")
	// ErrTerminal marks executor failures that need a mediator.
	ErrTerminal = errors.New("terminal error")
)

func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

func InvalidTransition(format string, args ...any) error {
	return wrap(ErrInvalidTransition, format, args...)
}

func ConcurrencyConflict(format string, args ...any) error {
	return wrap(ErrConcurrencyConflict, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func Forbidden(format string, args ...any) error {
	return wrap(ErrForbidden, format, args...)
}

// Transient wraps cause as a retryable executor failure.
func Transient(cause error, format string, args ...any) error {
	return &kindError{kind: ErrTransient, msg: fmt.Sprintf(format, args...), cause: cause}
}

// Terminal wraps cause as a non-retryable executor failure.
func Terminal(cause error, format string, args ...any) error {
	return &kindError{kind: ErrTerminal, msg: fmt.Sprintf(format, args...), cause: cause}
}

// Kind reports the first known kind found in err's chain, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrInvalidTransition, ErrConcurrencyConflict, ErrNotFound, ErrForbidden, ErrTransient, ErrTerminal} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func wrap(kind error, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

type kindError struct {
	kind  error
	msg   string
	cause error
}

func (e *kindError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

func (e *kindError) Unwrap() error {
	return e.cause
}
