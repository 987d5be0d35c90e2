package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: previous run still active")
	ErrStaleQueue  = errors.New("task dropped: queued too long")
)

// NoRetry marks err as permanent: the engine reports it after the first
// attempt.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsNoRetry reports whether err, or anything it wraps, came from NoRetry.
func IsNoRetry(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "no-retry: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// RetryAfterError carries the wait the failing task asked for.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter asks for the next attempt after d instead of the backoff
// schedule. The wait is still capped by RetryMaxDelay and jittered.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayedError{err: err, after: max(d, 0)}
}

type delayedError struct {
	err   error
	after time.Duration
}

func (e *delayedError) Error() string             { return fmt.Sprintf("retry after %s: %v", e.after, e.err) }
func (e *delayedError) Unwrap() error             { return e.err }
func (e *delayedError) RetryAfter() time.Duration { return e.after }
