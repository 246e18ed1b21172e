// Package upstream guards calls to the language model.
package upstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = gobreaker.ErrOpenState

// CircuitBreaker wraps gobreaker with sensible defaults for model calls.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	Name         string
	MaxRequests  uint32        // Requests allowed in half-open state
	Interval     time.Duration // Cyclic period for clearing counters
	Timeout      time.Duration // Time to wait before half-open
	FailureRatio float64       // Ratio of failures to trip
	MinRequests  uint32        // Min requests before evaluating ratio
	// IsSuccessful reports errors that must not count as failures. Cancelled
	// requests are the client's doing, not the model's.
	IsSuccessful func(err error) bool
}

// DefaultCircuitConfig returns sensible defaults.
func DefaultCircuitConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:         cfg.Name,
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		IsSuccessful: cfg.IsSuccessful,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &CircuitBreaker{
		cb: gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute runs the given function through the circuit breaker.
func (c *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return c.cb.Execute(fn)
}

// State reports the breaker state as "closed", "half-open" or "open".
func (c *CircuitBreaker) State() string {
	return c.cb.State().String()
}

// IsOpen reports whether err came from a rejecting breaker.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

var breakers = struct {
	sync.RWMutex
	m map[string]*CircuitBreaker
}{m: make(map[string]*CircuitBreaker)}

// ModelBreaker returns the shared breaker for the named model endpoint.
func ModelBreaker(endpoint string) *CircuitBreaker {
	breakers.RLock()
	if cb, ok := breakers.m[endpoint]; ok {
		breakers.RUnlock()
		return cb
	}
	breakers.RUnlock()

	breakers.Lock()
	defer breakers.Unlock()

	if cb, ok := breakers.m[endpoint]; ok {
		return cb
	}
	cfg := DefaultCircuitConfig("model-" + endpoint)
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled)
	}
	cb := NewCircuitBreaker(cfg)
	breakers.m[endpoint] = cb
	return cb
}
