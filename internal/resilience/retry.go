// Package resilience wraps storage calls in exponential-backoff retries and a
// process-local circuit breaker.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	"github.com/sethvargo/go-retry"
)

// Retry defaults.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 200 * time.Millisecond
)

// RetryPolicy retries an operation up to MaxRetries additional times. The
// delay before retry k is BaseDelay * 2^(k-1). When retries run out the last
// error is returned unchanged.
type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	// JitterPercent spreads each delay by up to +/- that percentage. Zero
	// keeps the delays exact.
	JitterPercent uint64
	// OnRetry, when set, is called before sleeping for the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Nanosecond
	}
	b := retry.NewExponential(base)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil || credits.IsPermanent(err) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Execute runs op until it succeeds, fails permanently or retries run out.
func (p RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var (
		attempt int
		lastErr error
	)
	b := p.backoff()
	if p.OnRetry != nil {
		inner := b
		b = retry.BackoffFunc(func() (time.Duration, bool) {
			delay, stop := inner.Next()
			if !stop {
				p.OnRetry(attempt, delay, lastErr)
			}
			return delay, stop
		})
	}

	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		errOp := op(ctx)
		if errOp == nil {
			return nil
		}
		lastErr = errOp
		if !Retryable(errOp) {
			return errOp
		}
		return retry.RetryableError(errOp)
	})
}

// Do is Execute for operations that produce a value. The value of the final
// attempt is returned alongside its error.
func Do[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Execute(ctx, func(ctx context.Context) error {
		v, errOp := op(ctx)
		out = v
		return errOp
	})
	return out, err
}
