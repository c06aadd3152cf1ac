package client

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	catalogRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	catalogRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"error_class"})

	catalogRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by operation",
	}, []string{"operation"})
)

// RetryPolicy holds the configuration for retry logic.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// BackoffFactor is the base of the exponential backoff for transient errors.
	// Attempt n (0-based) waits BackoffFactor^n units plus jitter.
	BackoffFactor float64

	// BackoffUnit is the duration of one exponential backoff unit.
	BackoffUnit time.Duration

	// Jitter is the upper bound (exclusive) of the random delay added to
	// exponential backoff.
	Jitter time.Duration

	// RetryDelay is the linear backoff step for network errors.
	// Attempt n (0-based) waits RetryDelay * (n+1).
	RetryDelay time.Duration
}

// DefaultRetryPolicy returns the default retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   8,
		BackoffFactor: 2,
		BackoffUnit:   1 * time.Second,
		Jitter:        1 * time.Second,
		RetryDelay:    2 * time.Second,
	}
}

// Backoff returns the wait before the attempt following attempt (0-based)
// failed with errorClass. jitter must be in [0, 1).
func (p RetryPolicy) Backoff(errorClass ErrorClass, attempt int, jitter float64) time.Duration {
	switch errorClass {
	case ErrorClassTransient:
		units := math.Pow(p.BackoffFactor, float64(attempt))
		return time.Duration(units*float64(p.BackoffUnit)) +
			time.Duration(jitter*float64(p.Jitter))
	case ErrorClassNetwork:
		return p.RetryDelay * time.Duration(attempt+1)
	default:
		return 0
	}
}

// retryWithBackoff executes fn until it succeeds, fails with a non-retryable
// class, or MaxAttempts is reached. There is no wait after the final attempt.
// fn receives the 0-based attempt number.
func (c *Client) retryWithBackoff(ctx context.Context, operation string, page int, fn func(attempt int) error) error {
	policy := c.config.Retry

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 0 {
				c.logger.Info().
					Str("operation", operation).
					Int("page", page).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		if isContextError(ctx, err) {
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		}

		lastErr = err
		errorClass := classifyError(err)

		if !shouldRetry(errorClass) {
			return lastErr
		}

		if attempt+1 >= policy.MaxAttempts {
			break
		}

		catalogRetriesTotal.WithLabelValues(string(errorClass)).Inc()

		backoff := policy.Backoff(errorClass, attempt, c.jitter())
		catalogRetryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(backoff.Seconds())

		c.logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("page", page).
			Int("attempt", attempt+1).
			Str("error_class", string(errorClass)).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		if err := c.sleep(ctx, backoff); err != nil {
			c.logger.Warn().
				Str("operation", operation).
				Int("page", page).
				Int("attempt", attempt+1).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
	}

	catalogRetryExhaustedTotal.WithLabelValues(operation).Inc()
	c.logger.Error().
		Err(lastErr).
		Str("operation", operation).
		Int("page", page).
		Int("max_attempts", policy.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, policy.MaxAttempts, lastErr)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
