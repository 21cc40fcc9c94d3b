package openfactura

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of the circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen is returned without calling the gateway while the breaker is open.
var ErrCircuitOpen = errors.New("gateway circuit breaker is open")

// CircuitBreaker stops hammering the gateway after repeated infrastructure
// failures. Only failures reported through Execute count; payload rejections
// must not be passed as failures.
type CircuitBreaker struct {
	maxFailures      int
	cooldown         time.Duration
	successThreshold int
	now              func() time.Time

	mu              sync.Mutex
	state           BreakerState
	failures        int
	successes       int
	totalRequests   int
	lastStateChange time.Time
}

// NewCircuitBreaker opens after maxFailures consecutive failures and probes
// again after cooldown.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 10
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		maxFailures:      maxFailures,
		cooldown:         cooldown,
		successThreshold: 2,
		now:              time.Now,
		state:            BreakerClosed,
	}
}

// Execute runs fn unless the breaker is open. A non-nil error from fn counts
// as a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.totalRequests++

	if err != nil {
		cb.failures++
		cb.successes = 0
		if cb.state == BreakerHalfOpen || cb.failures >= cb.maxFailures {
			cb.setState(BreakerOpen)
		}
		return err
	}

	cb.successes++
	switch cb.state {
	case BreakerHalfOpen:
		if cb.successes >= cb.successThreshold {
			cb.setState(BreakerClosed)
		}
	case BreakerClosed:
		cb.failures = 0
	}
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != BreakerOpen {
		return true
	}
	if cb.now().Sub(cb.lastStateChange) < cb.cooldown {
		return false
	}
	cb.setState(BreakerHalfOpen)
	return true
}

// caller holds mu
func (cb *CircuitBreaker) setState(s BreakerState) {
	cb.state = s
	cb.lastStateChange = cb.now()
	if s != BreakerOpen {
		cb.successes = 0
	}
	if s == BreakerClosed {
		cb.failures = 0
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats is a snapshot of the breaker.
type BreakerStats struct {
	State         BreakerState
	Failures      int
	TotalRequests int
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{State: cb.state, Failures: cb.failures, TotalRequests: cb.totalRequests}
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(BreakerClosed)
	cb.totalRequests = 0
}
