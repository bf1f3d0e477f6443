// Package resilience provides retry-with-backoff and circuit-breaker helpers.
// The Data Service's REST leg runs through CircuitBreaker and the DB pool
// marks non-retriable errors with Permanent; Retry has no caller here.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// RetryConfig configures Retry.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig matches the network/other backoff policy: 2s base,
// doubling, capped at 60s, bounded by a 60s wall budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 2 * time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  60 * time.Second,
	}
}

// Retry invokes fn, retrying on a non-nil error until cfg.MaxElapsedTime
// elapses or ctx is canceled. A permanent error (wrapped with
// backoff.Permanent) stops retrying immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.MaxElapsedTime = cfg.MaxElapsedTime

	return backoff.Retry(fn, backoff.WithContext(b, ctx))
}

// Permanent marks err as non-retriable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// CircuitBreaker wraps gobreaker to short-circuit a persistently failing
// dependency (the Data Service's REST leg) rather than paying its full
// timeout on every call once it is known to be down.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// CircuitConfig configures a CircuitBreaker.
type CircuitConfig struct {
	Name                 string
	MaxRequestsHalfOpen  uint32
	OpenTimeout          time.Duration
	ConsecutiveFailTrip  uint32
	FailureRatioTrip     float64
	MinRequestsForRatio  uint32
}

// DefaultServiceCBConfig is a reasonable default for an HTTP dependency.
func DefaultServiceCBConfig(name string) CircuitConfig {
	return CircuitConfig{
		Name:                name,
		MaxRequestsHalfOpen: 1,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailTrip: 5,
		FailureRatioTrip:    0.6,
		MinRequestsForRatio: 10,
	}
}

// NewCircuitBreaker builds a CircuitBreaker from cfg.
func NewCircuitBreaker(cfg CircuitConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequestsHalfOpen,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailTrip {
				return true
			}
			if counts.Requests >= cfg.MinRequestsForRatio {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.FailureRatioTrip
			}
			return false
		},
	}
	return &CircuitBreaker{breaker: gobreaker.NewCircuitBreaker[[]byte](settings)}
}

// ErrCircuitOpen is returned by Execute when the breaker is open.
var ErrCircuitOpen = gobreaker.ErrOpenState

// Execute runs fn through the breaker.
func (c *CircuitBreaker) Execute(fn func() ([]byte, error)) ([]byte, error) {
	result, err := c.breaker.Execute(fn)
	if err != nil && errors.Is(err, gobreaker.ErrOpenState) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// State reports the breaker's current state as a string ("closed", "half-open", "open").
func (c *CircuitBreaker) State() string {
	return c.breaker.State().String()
}
