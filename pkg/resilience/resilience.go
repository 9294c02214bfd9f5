// Package resilience keeps a long-running worker healthy when individual
// jobs misbehave. Nothing here retries a job; failed work is reported.
package resilience

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	sferrors "github.com/simflow/simflow/pkg/errors"
)

// Safe runs fn and turns a panic into a SIMULATION error carrying the
// goroutine stack.
func Safe(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = sferrors.Newf(sferrors.CodeSimulation, "panic recovered: %v", r).
				With("panic_stack", string(debug.Stack()))
		}
	}()
	return fn()
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Rejecting work
	CircuitHalfOpen                     // One trial job allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker pauses work after consecutive retryable failures, such as
// an unreachable store or notifier, so a dead dependency does not fail every
// queued job in turn. Fatal errors do not count: they belong to the job, not
// to the environment.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state       CircuitState
	consecutive int
	tripTime    time.Time

	// Callbacks
	OnTrip  func(err error)
	OnReset func()
}

// NewCircuitBreaker trips after threshold consecutive retryable failures
// and stays open for cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a job may start now, and otherwise how long until
// the breaker half-opens.
func (cb *CircuitBreaker) Allow() (bool, time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return true, 0
	}
	if wait := cb.cooldown - cb.now().Sub(cb.tripTime); wait > 0 {
		return false, wait
	}
	cb.state = CircuitHalfOpen
	return true, 0
}

// Wait blocks until a job may start or ctx is done.
func (cb *CircuitBreaker) Wait(ctx context.Context) error {
	for {
		ok, wait := cb.Allow()
		if ok {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Record feeds a job outcome to the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !sferrors.IsRetryable(err) {
		if cb.state != CircuitClosed && cb.OnReset != nil {
			go cb.OnReset()
		}
		cb.state = CircuitClosed
		cb.consecutive = 0
		return
	}

	cb.consecutive++
	if cb.state == CircuitHalfOpen || cb.consecutive >= cb.threshold {
		if cb.state != CircuitOpen && cb.OnTrip != nil {
			go cb.OnTrip(err)
		}
		cb.state = CircuitOpen
		cb.tripTime = cb.now()
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// String describes the breaker for logs.
func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("%s after %d consecutive failures", cb.state, cb.consecutive)
}
