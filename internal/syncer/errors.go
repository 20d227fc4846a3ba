package syncer

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider and sync failures into a fixed taxonomy so
// the workers can apply a uniform retry policy regardless of which provider
// produced the fault.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "not_found"
	KindAlreadyExists   ErrorKind = "already_exists"
	KindRateLimited     ErrorKind = "rate_limited"
	KindAuthFailed      ErrorKind = "auth_failed"
	KindValidationError ErrorKind = "validation_error"
	KindTransient       ErrorKind = "transient"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrRateLimited     = errors.New("rate limited")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrValidationError = errors.New("validation error")
	ErrTransient       = errors.New("transient failure")
)

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindNotFound:
		return ErrNotFound
	case KindAlreadyExists:
		return ErrAlreadyExists
	case KindRateLimited:
		return ErrRateLimited
	case KindAuthFailed:
		return ErrAuthFailed
	case KindValidationError:
		return ErrValidationError
	default:
		return ErrTransient
	}
}

// Error is the classified form every adapter fault takes before it crosses
// the adapter boundary. Raw provider errors never reach the workers.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

func NewError(kind ErrorKind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

func WrapError(kind ErrorKind, provider string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Provider: provider, Message: err.Error(), Err: err}
}

// KindOf resolves the taxonomy kind for any error. Unclassified errors are
// treated as transient so the bus redelivers them.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrAuthFailed):
		return KindAuthFailed
	case errors.Is(err, ErrValidationError):
		return KindValidationError
	default:
		return KindTransient
	}
}
