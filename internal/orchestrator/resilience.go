package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/improver/internal/backend"
)

// RetryConfig configures exponential backoff for collaborator calls.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         15 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.RandomizationFactor
	return backoff.WithContext(b, ctx)
}

// BreakerRegistry hands out one circuit breaker per collaborator name, so the
// analysis and refactor paths share failure accounting for the same backend.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "backend", name, "from", from.String(), "to", to.String())
		},
		// Cancellation and deadlines belong to the caller, not the collaborator.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[name] = cb
	return cb
}

// ResilientBackend decorates a Backend with retries and a circuit breaker.
// Open-circuit errors and caller cancellation are never retried.
type ResilientBackend struct {
	inner   backend.Backend
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
}

// NewResilientBackend wraps inner.
func NewResilientBackend(inner backend.Backend, breaker *gobreaker.CircuitBreaker, retry RetryConfig) *ResilientBackend {
	return &ResilientBackend{inner: inner, breaker: breaker, retry: retry}
}

// Send forwards msg, retrying transient failures with exponential backoff.
func (b *ResilientBackend) Send(ctx context.Context, msg backend.Message) (backend.Response, error) {
	var resp backend.Response

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := b.breaker.Execute(func() (interface{}, error) {
			return b.inner.Send(ctx, msg)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		resp = result.(backend.Response)
		return nil
	}

	err := backoff.Retry(operation, b.retry.policy(ctx))
	return resp, err
}

// Close closes the wrapped backend.
func (b *ResilientBackend) Close() error {
	return b.inner.Close()
}
