package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/d9705996/oncall/internal/metrics"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardConfig tunes a Guard.
type GuardConfig struct {
	RatePerSecond float64
	Burst         int
	// Failures is the number of consecutive failures that opens the breaker.
	Failures int
	// OpenFor is how long the breaker stays open before a trial request.
	OpenFor time.Duration
}

// Guard rate-limits calls to one remote system and stops calling it while it
// keeps failing.
type Guard struct {
	name    string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuard returns a Guard named after the backend it protects.
func NewGuard(name string, cfg GuardConfig, m *metrics.Metrics) *Guard {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Failures <= 0 {
		cfg.Failures = 5
	}
	failures := uint32(cfg.Failures)
	return &Guard{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: cfg.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			// recipient problems say nothing about the health of the backend
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrRecipientUnknown)
			},
			OnStateChange: func(_ string, _, to gobreaker.State) {
				m.BreakerState(name, float64(to))
			},
		}),
	}
}

// Do runs fn unless the breaker is open.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, g.name, err)
	}
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, g.name, err)
	}
	return err
}

// State returns the breaker state.
func (g *Guard) State() gobreaker.State { return g.breaker.State() }
