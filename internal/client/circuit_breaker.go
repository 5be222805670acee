package client

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Do while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the state of a CircuitBreaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops publishing after maxFailures consecutive failures
// and lets a single probe through once timeout has passed. It is safe for
// concurrent use.
type CircuitBreaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int
	maxFailures int
	timeout     time.Duration
	lastFailure time.Time
	probing     bool
	now         func() time.Time
}

// NewCircuitBreaker creates a closed breaker. name labels its metrics.
func NewCircuitBreaker(name string, maxFailures int, timeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:        name,
		maxFailures: max(maxFailures, 1),
		timeout:     timeout,
		now:         time.Now,
	}
	breakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	breakerState.WithLabelValues(cb.name).Set(float64(s))
}

// Allow reports whether a call may proceed. In the half-open state only one
// probe is admitted until it reports back.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) <= cb.timeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return true
	default:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = cb.now()
	cb.probing = false
	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Do runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.Failure()
		return err
	}
	cb.Success()
	return nil
}
