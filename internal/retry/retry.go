// Package retry runs operations with exponential backoff. Failures are
// classified by sdkerr code: only transient kinds are retried, and a
// Retry-After hint carried by an error stretches the computed delay.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/flagdeck/flagdeck-relay/internal/logger"
	"github.com/flagdeck/flagdeck-relay/internal/metrics"
	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
)

// Config controls the backoff schedule.
type Config struct {
	// MaxAttempts caps the total number of invocations. Zero or less fails
	// immediately without invoking the operation at all.
	MaxAttempts int
	// InitialDelay seeds the schedule; attempt n waits
	// InitialDelay * Multiplier^(n-1), capped at MaxDelay.
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// JitterFactor spreads each delay by ±JitterFactor*delay.
	JitterFactor float64
	// RetryableCodes overrides the default transient set
	// (network, timeout, rate-limited, unavailable) when non-empty.
	RetryableCodes []sdkerr.Code
}

// Default mirrors the relay's configuration defaults.
func Default() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.1,
	}
}

// Do invokes op up to cfg.MaxAttempts times. A panic inside op is treated
// as a failed attempt, not propagated. Success returns immediately; a
// non-retryable failure or the final attempt's failure is returned as-is.
// Sleeps between attempts respect ctx cancellation.
func Do[T any](ctx context.Context, operation string, cfg Config, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		metrics.RetryExhaustions.WithLabelValues(operation).Inc()
		return zero, sdkerr.RetryExhausted(0, nil)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		metrics.RetryAttempts.WithLabelValues(operation).Inc()

		out, err := invoke(ctx, op)
		if err == nil {
			if attempt > 1 {
				logger.Debug("operation succeeded after retries", "operation", operation, "attempt", attempt)
			}
			return out, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}
		if !cfg.retryable(err) {
			logger.Debug("failure is not retryable", "operation", operation, "attempt", attempt, "error", err)
			return zero, err
		}

		wait := cfg.delayFor(attempt)
		if ra := sdkerr.RetryAfterOf(err); ra > wait {
			wait = ra
			metrics.RetryAfterWaits.Observe(wait.Seconds())
		}
		logger.Debug("retrying after failure", "operation", operation, "attempt", attempt, "wait", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	metrics.RetryExhaustions.WithLabelValues(operation).Inc()
	logger.Debug("retry attempts exhausted", "operation", operation, "attempts", cfg.MaxAttempts, "error", lastErr)
	return zero, lastErr
}

// DoSimple retries unconditionally with a fixed delay, ignoring error
// classification. Zero or fewer attempts fails immediately.
func DoSimple[T any](ctx context.Context, operation string, maxAttempts int, delay time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		metrics.RetryExhaustions.WithLabelValues(operation).Inc()
		return zero, sdkerr.RetryExhausted(0, nil)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		metrics.RetryAttempts.WithLabelValues(operation).Inc()

		out, err := invoke(ctx, op)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	metrics.RetryExhaustions.WithLabelValues(operation).Inc()
	return zero, lastErr
}

func (c Config) retryable(err error) bool {
	code := sdkerr.CodeOf(err)
	if len(c.RetryableCodes) == 0 {
		return sdkerr.IsRetryable(code)
	}
	for _, rc := range c.RetryableCodes {
		if rc == code {
			return true
		}
	}
	return false
}

// delayFor computes the wait before the attempt following the given one:
// min(MaxDelay, InitialDelay*Multiplier^(attempt-1)), then ± jitter,
// clamped to non-negative.
func (c Config) delayFor(attempt int) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		d += (rand.Float64()*2 - 1) * c.JitterFactor * d
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func invoke[T any](ctx context.Context, op func(context.Context) (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = sdkerr.Internal(fmt.Errorf("operation panicked: %v", r))
		}
	}()
	return op(ctx)
}
