package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy controls how an operation is re-attempted.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Delay is multiplied by the attempt number to obtain the wait before the
	// next try.
	Delay time.Duration
	// MaxDelay caps a single wait when positive.
	MaxDelay time.Duration
	// Retryable reports whether err is worth another attempt. Nil treats every
	// error except context cancellation as retryable.
	Retryable func(error) bool
	// Sleep replaces the wait, mainly for tests.
	Sleep func(context.Context, time.Duration) error
	// OnRetry observes each failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// ErrExhausted wraps the final error once all attempts are used.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Backoff returns the wait after the given 1-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := p.Delay * time.Duration(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// is exhausted. The last error is returned wrapped with ErrExhausted in the
// latter case.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !p.retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}
		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, lastErr
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
