package mcp

import (
	"sync"
	"time"
)

// breakerState tracks one action's consecutive failures.
type breakerState struct {
	failureCount  int
	open          bool
	lastFailureAt time.Time
}

// CircuitBreaker keeps independent per-action circuits. A circuit opens after
// a run of consecutive final failures and rejects requests until the reset
// timeout elapses; the first probe after the timeout closes it again.
type CircuitBreaker struct {
	mu           sync.Mutex
	states       map[string]*breakerState
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time // swapped in tests
}

// NewCircuitBreaker creates a breaker opening at threshold consecutive
// failures and cooling down for resetTimeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = time.Minute
	}
	return &CircuitBreaker{
		states:       make(map[string]*breakerState),
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

func (b *CircuitBreaker) state(action string) *breakerState {
	s, ok := b.states[action]
	if !ok {
		s = &breakerState{}
		b.states[action] = s
	}
	return s
}

// Allow reports whether a request for action may proceed. When the circuit is
// open and cooling down, it returns false and the remaining cool-down.
func (b *CircuitBreaker) Allow(action string) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(action)
	if !s.open {
		return true, 0
	}
	elapsed := b.now().Sub(s.lastFailureAt)
	if elapsed >= b.resetTimeout {
		// Probe after the timeout closes the circuit with a clean slate.
		s.open = false
		s.failureCount = 0
		return true, 0
	}
	return false, b.resetTimeout - elapsed
}

// RecordSuccess resets the action's failure count and closes its circuit.
func (b *CircuitBreaker) RecordSuccess(action string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(action)
	s.failureCount = 0
	s.open = false
}

// RecordFailure counts one final failure, opening the circuit when the run
// reaches the threshold.
func (b *CircuitBreaker) RecordFailure(action string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(action)
	s.failureCount++
	s.lastFailureAt = b.now()
	if s.failureCount >= b.threshold {
		s.open = true
	}
}

// IsOpen reports whether the action's circuit is currently open.
func (b *CircuitBreaker) IsOpen(action string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(action).open
}
