package llm

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops calling a provider after consecutive failures and
// lets a single trial call through once the reset timeout has elapsed.
type CircuitBreaker struct {
	mu                  sync.Mutex
	threshold           int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	state               circuitState
	clock               clockwork.Clock
}

// NewCircuitBreaker creates a breaker. Non-positive values select defaults
// of 5 failures and 30 seconds.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration, clock clockwork.Clock) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        clock,
	}
}

// Allow reports whether a call may proceed. An open breaker whose timeout
// has elapsed moves to half-open and admits the caller as the trial call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitOpen:
		if cb.clock.Since(cb.openedAt) >= cb.resetTimeout {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	case circuitHalfOpen:
		// A trial call is already in flight.
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.state = circuitClosed
}

// RecordFailure counts a failure and reports whether the breaker opened.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.state == circuitHalfOpen || (cb.state == circuitClosed && cb.consecutiveFailures >= cb.threshold) {
		cb.state = circuitOpen
		cb.openedAt = cb.clock.Now()
		return true
	}
	return false
}

// Open reports whether calls are currently blocked.
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == circuitOpen && cb.clock.Since(cb.openedAt) < cb.resetTimeout
}

// Reset closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.state = circuitClosed
	cb.openedAt = time.Time{}
}

// State returns the breaker state name.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}
