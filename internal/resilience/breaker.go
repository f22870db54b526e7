package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/altarplan/creditledger/internal/credits"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned without invoking the operation while the breaker
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 60 * time.Second
)

// BreakerSettings configures a CircuitBreaker.
type BreakerSettings struct {
	Name string
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold uint32
	// Timeout is how long the breaker stays open before letting a probe through.
	Timeout time.Duration
	// OnStateChange observes transitions, e.g. for metrics.
	OnStateChange func(name string, from, to string)
}

// CircuitBreaker short-circuits an operation class after repeated failures.
// It is process-local; build one per process and share it by reference.
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(settings BreakerSettings) *CircuitBreaker {
	threshold := settings.Threshold
	if threshold == 0 {
		threshold = DefaultBreakerThreshold
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}
	name := settings.Name
	if name == "" {
		name = "storage"
	}
	onChange := settings.OnStateChange

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Missing or invalid data says nothing about dependency health.
			return err == nil || credits.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
			if onChange != nil {
				onChange(name, from.String(), to.String())
			}
		},
	})
	return &CircuitBreaker{name: name, cb: cb}
}

// Execute runs op unless the breaker is open.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if errCtx := ctx.Err(); errCtx != nil {
		return errCtx
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}
	return err
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string { return b.name }

// State returns "closed", "half-open" or "open".
func (b *CircuitBreaker) State() string { return b.cb.State().String() }

// ConsecutiveFailures returns the current failure streak.
func (b *CircuitBreaker) ConsecutiveFailures() uint32 { return b.cb.Counts().ConsecutiveFailures }
