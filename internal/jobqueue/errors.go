package jobqueue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownQueue = errors.New("jobqueue: unknown queue")
	ErrQueueFull    = errors.New("jobqueue: queue full")
	ErrStopped      = errors.New("jobqueue: runtime not running")
	ErrRunning      = errors.New("jobqueue: runtime already running")
)

// NoRetry marks an error as permanent. The job is parked as failed right away
// instead of being retried.
//
// Example:
//
//	return jobqueue.NoRetry(fmt.Errorf("broadcast %s: %w", id, storage.ErrNotFound))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter overrides the delay before the next attempt, for example when a
// provider answered with a rate limit. The hint is bounded by the queue's
// MaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
