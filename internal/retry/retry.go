package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrExhausted wraps the last error once every attempt has failed
var ErrExhausted = errors.New("retry attempts exhausted")

// Backoff returns the delay before the given attempt (1-based: the delay after the first failure is Backoff(1))
type Backoff func(attempt int) time.Duration

// Linear waits attempt × step
func Linear(step time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return time.Duration(attempt) * step
	}
}

// Constant always waits d
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Exponential waits base × 2^(attempt-1), capped at max
func Exponential(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		if attempt > 32 {
			return max
		}
		d := base * time.Duration(1<<uint(attempt-1))
		if d > max || d <= 0 {
			return max
		}
		return d
	}
}

// Policy describes how an operation is retried: how many attempts, how long
// to wait between them and which errors are worth another attempt.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	Retryable   func(err error) bool
}

// Never makes a single attempt
var Never = Policy{MaxAttempts: 1}

// ShouldRetry reports whether another attempt follows the given failed attempt (1-based)
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil && !p.Retryable(err) {
		return false
	}
	return true
}

// Delay returns the wait after the given failed attempt
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}

// Do runs fn until it succeeds, the policy gives up or ctx is done.
// Meant for call sites off the run loop; loop-driven code uses ShouldRetry and Delay with loop timers.
func (p Policy) Do(ctx context.Context, logger *logrus.Logger, op string, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = logrus.New()
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(attempt, err) {
			if attempt >= p.MaxAttempts && p.MaxAttempts > 1 {
				return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, attempt, err)
			}
			return err
		}

		delay := p.Delay(attempt)
		logger.WithFields(logrus.Fields{
			"op":           op,
			"attempt":      attempt,
			"max_attempts": p.MaxAttempts,
			"delay":        delay,
			"error":        err,
		}).Warn("Operation failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
