package bus

import (
	"fmt"
	"sync"
	"time"

	"flexitrade/internal/apperr"
)

// CircuitState is one of the three circuit breaker states.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation, requests pass through
	CircuitOpen                         // tripped, requests rejected immediately
	CircuitHalfOpen                     // probing with one request
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Execute when the breaker is open and the
// reset timeout has not yet elapsed. It wraps apperr.ErrTransient: a
// rejected call is retryable the moment the breaker closes again, not a
// permanent failure.
var ErrCircuitOpen = fmt.Errorf("bus: circuit breaker is open: %w", apperr.ErrTransient)

// CircuitBreaker protects the Redis writer from hammering a down/slow
// instance: after maxFailures consecutive failures it opens and rejects
// calls for resetTimeout, then goes half-open and lets calls through; a
// probe's success fully closes it and a failure reopens it.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        CircuitState
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time

	OnStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and stays open for resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{maxFailures: maxFailures, resetTimeout: resetTimeout, state: CircuitClosed}
}

// Execute runs fn through the breaker, returning ErrCircuitOpen instead
// of calling fn while the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.transition(CircuitHalfOpen)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	case CircuitHalfOpen:
		// the mutex is released before fn runs, so concurrent callers
		// may each run a probe
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.transition(CircuitOpen)
		}
		return err
	}
	if cb.state == CircuitHalfOpen {
		cb.transition(CircuitClosed)
	}
	cb.failures = 0
	return nil
}

// CurrentState returns the breaker's current state.
func (cb *CircuitBreaker) CurrentState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if to == CircuitClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
