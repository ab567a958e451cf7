package channels

import (
	"errors"
	"fmt"
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

// SendError classifies a delivery failure so the dispatcher can decide
// between retrying and surfacing. Plugins map their platform's error shapes
// (HTTP 429, closed sockets, 4xx rejections) onto the shared taxonomy here.
type SendError struct {
	Kind    models.ErrorKind
	Message string
	Err     error

	// RetryAfter is the backoff hint from the platform, when it gave one.
	// Zero means "use the dispatcher's own schedule".
	RetryAfter time.Duration
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *SendError) Unwrap() error { return e.Err }

// Throttled builds a rate-limit error carrying the platform's retry hint.
func Throttled(message string, retryAfter time.Duration, err error) *SendError {
	return &SendError{Kind: models.ErrThrottled, Message: message, RetryAfter: retryAfter, Err: err}
}

// Transient builds an error for network blips and other failures worth a
// plain retry.
func Transient(message string, err error) *SendError {
	return &SendError{Kind: models.ErrTransient, Message: message, Err: err}
}

// Permanent builds an error for rejections that will not change on retry.
func Permanent(message string, err error) *SendError {
	return &SendError{Kind: models.ErrPermanent, Message: message, Err: err}
}

// Unavailable builds an error for an unreachable platform.
func Unavailable(message string, err error) *SendError {
	return &SendError{Kind: models.ErrUnavailable, Message: message, Err: err}
}

// ClassifySendError extracts the taxonomy kind and retry hint from a
// delivery error. Untyped errors classify as TRANSIENT so a lone network
// hiccup still gets the retry budget.
func ClassifySendError(err error) (models.ErrorKind, time.Duration) {
	if err == nil {
		return "", 0
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind, se.RetryAfter
	}
	var typed *models.Error
	if errors.As(err, &typed) {
		return typed.Kind, 0
	}
	return models.ErrTransient, 0
}
