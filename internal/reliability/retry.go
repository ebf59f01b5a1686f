package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait first. Attempt numbering starts at zero.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
	NextDelay(attempt int) time.Duration
}

// Retry runs fn until it succeeds, the policy declines, or ctx ends. Errors
// carrying IsRetryable() false stop the loop regardless of the policy's
// attempt budget.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr := fn()
		if lastErr == nil {
			return nil
		}

		again, delay := policy.ShouldRetry(attempt, lastErr)
		if !again {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ExponentialBackoff grows the delay by Multiplier per attempt up to
// MaxInterval, with an optional jitter band of ±15%.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy with jitter on
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts || !retryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := math.Min(
		float64(e.InitialInterval)*math.Pow(e.Multiplier, float64(attempt)),
		float64(e.MaxInterval),
	)
	if e.Jitter {
		delay += (rand.Float64() - 0.5) * 0.3 * delay
	}
	return time.Duration(delay)
}

// FixedDelay retries with a constant delay between attempts
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts || !retryable(err) {
		return false, 0
	}
	return true, f.Delay
}

func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// retryable reports whether err may be retried. Errors opt out anywhere in
// the chain through an IsRetryable method; everything else is assumed
// transient.
func retryable(err error) bool {
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return err != nil
}

// RetryableError marks a wrapped error as retryable or terminal
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

func (r RetryableError) Unwrap() error {
	return r.Err
}
