package resilience

import "context"

// Guard composes a breaker around a retry policy: the breaker sees one
// outcome per retried operation.
type Guard struct {
	Retry   RetryPolicy
	Breaker *CircuitBreaker
}

// NewGuard builds a guard.
func NewGuard(policy RetryPolicy, breaker *CircuitBreaker) *Guard {
	return &Guard{Retry: policy, Breaker: breaker}
}

// Run executes op under the guard. A nil guard runs op directly.
func (g *Guard) Run(ctx context.Context, op func(ctx context.Context) error) error {
	if g == nil {
		return op(ctx)
	}
	retried := func(ctx context.Context) error {
		return g.Retry.Execute(ctx, op)
	}
	if g.Breaker == nil {
		return retried(ctx)
	}
	return g.Breaker.Execute(ctx, retried)
}

// Call is Run for operations that produce a value.
func Call[T any](ctx context.Context, g *Guard, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Run(ctx, func(ctx context.Context) error {
		v, errOp := op(ctx)
		out = v
		return errOp
	})
	return out, err
}
