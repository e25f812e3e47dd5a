package resilience

import (
	"context"
	"errors"
	"net"
)

// Classification buckets a failure for retry policy purposes.
type Classification string

const (
	// ClassTransient failures are retryable with backoff.
	ClassTransient Classification = "transient"
	// ClassPermanent failures are never retried automatically.
	ClassPermanent Classification = "permanent"
	// ClassExhausted marks work that burned through its retry budget.
	ClassExhausted Classification = "exhausted"
)

// ErrPermanent marks a failure that retrying cannot fix (auth, validation).
// Wrap with Permanent() at the call site that can tell the difference.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent wraps err so Classify reports it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify buckets an error. Anything not explicitly marked permanent is
// treated as transient: timeouts, connection errors, and 5xx-class responses
// all deserve another attempt.
func Classify(err error) Classification {
	if errors.Is(err, ErrPermanent) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsRetryable reports whether the error should be attempted again.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

// IsTimeout reports whether the error stems from a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
