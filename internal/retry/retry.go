// Package retry runs an operation with bounded attempts and capped
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter draws each wait uniformly from [0, delay].
	Jitter bool

	sleep func(ctx context.Context, d time.Duration) error
}

// Classifier decides whether err may be retried and how long the remote
// side asked us to wait (zero when it expressed no preference).
type Classifier func(err error) (retryable bool, retryAfter time.Duration)

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Do calls fn until it succeeds, classify reports a permanent error, the
// attempts run out or ctx is done. Permanent errors are returned unchanged.
func (p Policy) Do(ctx context.Context, classify Classifier, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		retryable, retryAfter := classify(err)
		if !retryable {
			return err
		}
		if attempt == attempts {
			break
		}
		if err := p.wait(ctx, p.Delay(attempt, retryAfter)); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// Delay returns the wait before the attempt following attempt. A positive
// retryAfter overrides the computed backoff but is still capped by MaxDelay.
func (p Policy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if p.MaxDelay > 0 && retryAfter > p.MaxDelay {
			return p.MaxDelay
		}
		return retryAfter
	}
	if attempt < 1 {
		attempt = 1
	}
	backoff := p.BaseDelay
	for i := 1; i < attempt && (p.MaxDelay <= 0 || backoff < p.MaxDelay); i++ {
		backoff *= 2
	}
	if p.MaxDelay > 0 && backoff > p.MaxDelay {
		backoff = p.MaxDelay
	}
	if p.Jitter && backoff > 0 {
		backoff = time.Duration(rand.Int64N(int64(backoff) + 1))
	}
	return backoff
}

func (p Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithSleep returns a copy of p that waits through sleep; tests use it to
// skip real delays.
func (p Policy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = sleep
	return p
}
