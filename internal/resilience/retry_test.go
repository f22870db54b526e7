package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryExhaustionAttemptsAndDelays(t *testing.T) {
	errBoom := credits.Unavailable(errors.New("connection reset"))
	var delays []time.Duration
	policy := RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		OnRetry: func(_ int, delay time.Duration, _ error) {
			delays = append(delays, delay)
		},
	}

	calls := 0
	err := policy.Execute(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	})

	assert.Equal(t, 4, calls)
	assert.Same(t, errBoom, err, "last error must be returned unchanged")
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, delays)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond}
	calls := 0
	err := policy.Execute(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("%w: user u1", credits.ErrNotFound)
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, credits.ErrNotFound)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0
	got, err := Do(context.Background(), policy, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("timeout")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestRetryJitterStaysWithinBounds(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{
		MaxRetries:    4,
		BaseDelay:     time.Millisecond,
		JitterPercent: 10,
		OnRetry: func(_ int, delay time.Duration, _ error) {
			delays = append(delays, delay)
		},
	}
	_ = policy.Execute(context.Background(), func(context.Context) error {
		return errors.New("flaky")
	})

	require.Len(t, delays, 4)
	for i, delay := range delays {
		want := time.Millisecond << i
		assert.InDelta(t, float64(want), float64(delay), float64(want)/10+1, "retry %d", i+1)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 10, BaseDelay: time.Hour}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.Execute(ctx, func(context.Context) error {
			calls++
			return errors.New("down")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry did not stop after cancellation")
	}
}
