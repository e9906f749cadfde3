package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

var errBusy = errors.New("busy")

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestBackoff(t *testing.T) {
	lin := Linear(time.Second)
	assert.Equal(t, time.Second, lin(1))
	assert.Equal(t, 3*time.Second, lin(3))
	assert.Equal(t, time.Second, lin(0))

	exp := Exponential(time.Second, 5*time.Second)
	assert.Equal(t, time.Second, exp(1))
	assert.Equal(t, 4*time.Second, exp(3))
	assert.Equal(t, 5*time.Second, exp(4), "delay MUST be capped")
	assert.Equal(t, 5*time.Second, exp(100))

	assert.Equal(t, 2*time.Second, Constant(2*time.Second)(7))
}

func TestPolicy_ShouldRetry(t *testing.T) {
	fatal := errors.New("fatal")
	p := Policy{
		MaxAttempts: 3,
		Backoff:     Linear(time.Second),
		Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
	}

	tests := []struct {
		name     string
		attempt  int
		err      error
		expected bool
	}{
		{name: "first failure retries", attempt: 1, err: errBusy, expected: true},
		{name: "second failure retries", attempt: 2, err: errBusy, expected: true},
		{name: "last attempt stops", attempt: 3, err: errBusy, expected: false},
		{name: "success stops", attempt: 1, err: nil, expected: false},
		{name: "non-retryable stops", attempt: 1, err: fatal, expected: false},
		{name: "cancellation stops", attempt: 1, err: context.Canceled, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, p.ShouldRetry(tt.attempt, tt.err))
		})
	}
}

func TestPolicy_Do(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		p := Policy{MaxAttempts: 3, Backoff: Constant(time.Millisecond)}
		calls := 0
		err := p.Do(context.Background(), quietLogger(), "scan", func(context.Context) error {
			calls++
			if calls < 3 {
				return errBusy
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		p := Policy{MaxAttempts: 2, Backoff: Constant(time.Millisecond)}
		calls := 0
		err := p.Do(context.Background(), quietLogger(), "scan", func(context.Context) error {
			calls++
			return errBusy
		})
		assert.ErrorIs(t, err, ErrExhausted)
		assert.ErrorIs(t, err, errBusy)
		assert.Equal(t, 2, calls)
	})

	t.Run("single attempt returns error unchanged", func(t *testing.T) {
		err := Never.Do(context.Background(), quietLogger(), "scan", func(context.Context) error { return errBusy })
		assert.Equal(t, errBusy, err)
	})

	t.Run("context cancellation interrupts backoff", func(t *testing.T) {
		p := Policy{MaxAttempts: 5, Backoff: Constant(time.Hour)}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		err := p.Do(ctx, quietLogger(), "scan", func(context.Context) error { return errBusy })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
