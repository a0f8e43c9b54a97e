package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("NextDelay calculates exponential backoff", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
		}
		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)
		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)
		shouldRetry, _ := eb.ShouldRetry(0, Permanent(errors.New("exists")))
		assert.False(t, shouldRetry)
	})
}

func TestLinearAndFixed(t *testing.T) {
	t.Run("linear grows by interval", func(t *testing.T) {
		lb := NewLinearBackoff(100*time.Millisecond, 250*time.Millisecond, 3)
		assert.Equal(t, 100*time.Millisecond, lb.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, lb.NextDelay(1))
		assert.Equal(t, 250*time.Millisecond, lb.NextDelay(2))

		shouldRetry, _ := lb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
	})

	t.Run("fixed always returns same delay", func(t *testing.T) {
		fd := NewFixedDelay(50*time.Millisecond, 2)
		for i := 0; i < 2; i++ {
			shouldRetry, delay := fd.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Equal(t, 50*time.Millisecond, delay)
		}
		assert.Equal(t, 2, fd.MaxRetries())
	})

	t.Run("no retry", func(t *testing.T) {
		shouldRetry, _ := NoRetry{}.ShouldRetry(0, errors.New("test"))
		assert.False(t, shouldRetry)
	})
}

func TestNewPolicy(t *testing.T) {
	tests := []struct {
		name     string
		expected RetryPolicy
	}{
		{"", NoRetry{}},
		{"none", NoRetry{}},
		{"fixed", NewFixedDelay(time.Millisecond, 3)},
		{"Linear", NewLinearBackoff(time.Millisecond, time.Second, 3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, err := NewPolicy(tt.name, time.Millisecond, time.Second, 3)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, policy)
		})
	}

	policy, err := NewPolicy("exponential", time.Millisecond, time.Second, 3)
	require.NoError(t, err)
	assert.IsType(t, &ExponentialBackoff{}, policy)

	_, err = NewPolicy("forever", time.Millisecond, time.Second, 3)
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), "publish", func() error {
			calls++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries on failure", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), "publish", func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns retry error after max retries", func(t *testing.T) {
		cause := errors.New("down")
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 2), "publish", func() error {
			return cause
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, "publish", retryErr.Op)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("nil policy runs once", func(t *testing.T) {
		cause := errors.New("down")
		calls := 0
		err := Retry(ctx, nil, "publish", func() error {
			calls++
			return cause
		})
		assert.Same(t, cause, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), "publish", func() error {
			calls++
			return Permanent(errors.New("exists"))
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		err := Retry(cctx, NewFixedDelay(time.Hour, 5), "publish", func() error {
			calls++
			cancel()
			return errors.New("transient")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("unknown")))
	assert.False(t, IsRetryableError(Permanent(errors.New("exists"))))
	assert.False(t, IsRetryableError(fmt.Errorf("wrapped: %w", Permanent(errors.New("exists")))))
	assert.True(t, IsRetryableError(RetryableError{Err: errors.New("busy"), Retryable: true}))
	assert.Nil(t, Permanent(nil))
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("broker down")

	t.Run("opens after threshold and recovers after timeout", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		var transitions []State
		cb := NewCircuitBreaker(
			WithName("amqp"),
			WithFailureThreshold(2),
			WithTimeout(time.Minute),
			WithBreakerClock(func() time.Time { return now }),
			WithStateChange(func(_ string, _, to State) { transitions = append(transitions, to) }),
		)

		assert.ErrorIs(t, cb.Execute(ctx, func() error { return boom }), boom)
		assert.Equal(t, StateClosed, cb.GetState())
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return boom }), boom)
		assert.Equal(t, StateOpen, cb.GetState())

		called := false
		err := cb.Execute(ctx, func() error { called = true; return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.False(t, called)

		now = now.Add(2 * time.Minute)
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
		assert.Equal(t, StateClosed, cb.GetState())
		assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
	})

	t.Run("failure while half-open reopens", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithTimeout(time.Second),
			WithBreakerClock(func() time.Time { return now }),
		)
		_ = cb.Execute(ctx, func() error { return boom })
		now = now.Add(2 * time.Second)
		_ = cb.Execute(ctx, func() error { return boom })
		assert.Equal(t, StateOpen, cb.GetState())
	})

	t.Run("permanent errors do not trip the circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		_ = cb.Execute(ctx, func() error { return Permanent(boom) })
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("reset closes the circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		_ = cb.Execute(ctx, func() error { return boom })
		cb.Reset()
		assert.Equal(t, StateClosed, cb.GetState())
	})
}
