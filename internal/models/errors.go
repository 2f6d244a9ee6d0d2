package models

import (
	"context"
	"errors"
)

// ErrStreamingUnavailable is returned when no streaming provider can serve a request. It is never retried.
var ErrStreamingUnavailable = errors.New("streaming chat service is not available")

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }

func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retryable reports whether a dispatch failure may succeed on another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var p permanentError
	if errors.As(err, &p) {
		return false
	}
	if errors.Is(err, ErrStreamingUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// RetryableStatus reports whether an HTTP status code describes a transient failure.
func RetryableStatus(code int) bool {
	switch {
	case code == 408, code == 429:
		return true
	case code >= 500:
		return true
	}
	return false
}
