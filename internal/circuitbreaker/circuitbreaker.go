// Package circuitbreaker guards upstream calls: repeated failures open the
// circuit and fail fast until a cool-down passes, then a single probe call
// decides whether to close it again.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flagdeck/flagdeck-relay/internal/metrics"
	"github.com/flagdeck/flagdeck-relay/internal/sdkerr"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	Name string
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Zero (or less) means the very first failure opens it.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe call
	// is allowed. Zero means one second.
	ResetTimeout time.Duration
}

// CircuitBreaker implements the closed → open → half-open state machine.
// While half-open exactly one probe call is admitted; concurrent calls
// fail fast until the probe settles.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
	probing      bool

	name             string
	failureThreshold int
	resetTimeout     time.Duration
}

func New(cfg Config) *CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	timeout := cfg.ResetTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             cfg.Name,
		failureThreshold: threshold,
		resetTimeout:     timeout,
	}
	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Call executes fn if the circuit allows it. A panic inside fn counts as a
// failure and comes back as an internal error.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.canAttempt() {
		return sdkerr.CircuitOpen(cb.name)
	}

	err := safeCall(fn)
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// canAttempt reports whether a call may proceed, performing the
// open → half-open transition when the reset timeout has elapsed. The
// caller admitted by that transition is the probe.
func (cb *CircuitBreaker) canAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.probing = true
			metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(2)
			return true
		}
		return false
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.probing = false
		cb.trip()
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.probing = false
		cb.state = StateClosed
		cb.failureCount = 0
		metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(0)
	}
}

// trip moves to open and re-arms the reset window. Callers hold cb.mu.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.failureCount = 0
	cb.openedAt = time.Now()
	metrics.CircuitBreakerTrips.WithLabelValues(cb.name).Inc()
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(1)
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.probing = false
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(0)
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Do executes op through the breaker and returns its typed result. When
// the circuit is open it fails fast with a circuit-open error without
// invoking op.
func Do[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if !cb.canAttempt() {
		return zero, sdkerr.CircuitOpen(cb.name)
	}

	out, err := invoke(ctx, op)
	if err != nil {
		cb.recordFailure()
		return zero, err
	}
	cb.recordSuccess()
	return out, nil
}

// DoWithFallback behaves like Do but returns fallback instead of an error,
// both when the circuit is open and when op itself fails. Failures still
// count toward tripping the breaker.
func DoWithFallback[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error), fallback T) T {
	out, err := Do(ctx, cb, op)
	if err != nil {
		return fallback
	}
	return out
}

func invoke[T any](ctx context.Context, op func(context.Context) (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = sdkerr.Internal(fmt.Errorf("operation panicked: %v", r))
		}
	}()
	return op(ctx)
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = sdkerr.Internal(fmt.Errorf("operation panicked: %v", r))
		}
	}()
	return fn()
}
