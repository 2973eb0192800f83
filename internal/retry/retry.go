// Package retry runs fallible operations with bounded attempts and
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy bounds a retry loop. Delay before retry n (0-based) is
// InitialDelay * 2^n, capped at MaxDelay when MaxDelay > 0.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Jitter adds up to half of the computed delay at random.
	Jitter bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped err at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Delay returns the wait before retry number attempt (0-based), without jitter.
// Doubling saturates at the largest Duration instead of wrapping.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < attempt && d > 0; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Budget is the total wait of a run that fails every attempt, without jitter.
// It saturates like Delay.
func (p Policy) Budget() time.Duration {
	var total time.Duration
	for attempt := 0; attempt < p.MaxAttempts-1; attempt++ {
		d := p.Delay(attempt)
		if total > math.MaxInt64-d {
			return math.MaxInt64
		}
		total += d
	}
	return total
}

// Do runs op until it succeeds, returns a permanent error, the context ends,
// or MaxAttempts is reached. It reports the number of attempts made.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return attempt + 1, nil
		}

		var perm permanentError
		if errors.As(err, &perm) {
			return attempt + 1, perm.err
		}
		lastErr = err

		if attempt == maxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if p.Jitter && delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, &ExhaustedError{Attempts: attempt + 1, Err: errors.Join(lastErr, ctx.Err())}
		case <-timer.C:
		}
	}
	return maxAttempts, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, int, error) {
	var out T
	attempts, err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, attempts, err
}
