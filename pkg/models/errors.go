package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the channel-independent error taxonomy. Every public
// operation returns errors carrying one of these kinds; dispatchers use the
// kind to decide retry behavior.
type ErrorKind string

const (
	ErrInvalidRequest ErrorKind = "INVALID_REQUEST"
	ErrUnauthorized   ErrorKind = "UNAUTHORIZED"
	ErrNotFound       ErrorKind = "NOT_FOUND"
	ErrConflict       ErrorKind = "CONFLICT"
	ErrUnavailable    ErrorKind = "UNAVAILABLE"
	ErrThrottled      ErrorKind = "THROTTLED"
	ErrTransient      ErrorKind = "TRANSIENT"
	ErrPermanent      ErrorKind = "PERMANENT"
	ErrTimeout        ErrorKind = "TIMEOUT"
	ErrCancelled      ErrorKind = "CANCELLED"
)

// Error is a typed error with a taxonomy kind. Wrapped causes are preserved
// for logging but never serialized to callers.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a typed error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the taxonomy kind from err, defaulting to ErrUnavailable
// for untyped errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ErrUnavailable
}

// Retryable reports whether an error kind may resolve on retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrThrottled, ErrTransient, ErrUnavailable:
		return true
	}
	return false
}
