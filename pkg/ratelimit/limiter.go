// Package ratelimit paces outgoing catalog API requests on the client side.
// All workers share one limiter, so the configured rate is a global ceiling
// regardless of how many pages are in flight.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request pacing.
var (
	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_rate_limit_wait_seconds",
		Help:    "Time requests spent waiting for the client-side rate limiter",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5},
	})

	rateLimitCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_rate_limit_cancelled_total",
		Help: "Total number of rate limiter waits aborted by context cancellation",
	})
)

// Limiter gates requests at a fixed rate with a burst allowance.
// A nil *Limiter or one built with a non-positive rate never blocks.
type Limiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a limiter allowing rps requests per second with the given burst.
// rps <= 0 disables limiting.
func New(rps float64, burst int, logger zerolog.Logger) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}

	l.mu.RLock()
	limiter := l.limiter
	l.mu.RUnlock()

	if limiter.Limit() == rate.Inf {
		return nil
	}

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		rateLimitCancelledTotal.Inc()
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	waited := time.Since(start)
	rateLimitWaitSeconds.Observe(waited.Seconds())
	if waited > time.Second {
		l.logger.Debug().Dur("waited", waited).Msg("Request delayed by rate limiter")
	}
	return nil
}

// UpdateLimits adjusts rate and burst at runtime.
func (l *Limiter) UpdateLimits(rps float64, burst int) {
	if l == nil {
		return
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter.SetLimit(limit)
	l.limiter.SetBurst(burst)

	l.logger.Info().Float64("rps", rps).Int("burst", burst).Msg("Rate limit updated")
}

// Limit returns the current requests-per-second ceiling (0 when unlimited).
func (l *Limiter) Limit() float64 {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.limiter.Limit() == rate.Inf {
		return 0
	}
	return float64(l.limiter.Limit())
}
