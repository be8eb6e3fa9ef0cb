package reliability

import (
	"context"
	"errors"
	"time"
)

// ErrPermanent marks an error that Retry must not try again.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so Retry stops immediately and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string        { return p.err.Error() }
func (p *permanentError) Unwrap() error        { return p.err }
func (p *permanentError) Is(target error) bool { return target == ErrPermanent }

// RetryPolicy bounds a retried operation.
type RetryPolicy struct {
	Attempts   int
	Timeout    time.Duration // per attempt; zero means no per-attempt deadline
	Backoff    time.Duration
	BackoffCap time.Duration
}

// Retry runs fn up to p.Attempts times, each under its own timeout.
// It returns the last error, unwrapped from Permanent.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 && p.Backoff > 0 {
			wait := ExponentialBackoff(attempt-1, p.Backoff, maxDuration(p.BackoffCap, p.Backoff))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
