package federation

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker stops calling a peer after threshold consecutive failed
// attempts, then lets a single probe through once resetTimeout has passed.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	now          func() time.Time
}

func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// One probe at a time.
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.state == breakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}
