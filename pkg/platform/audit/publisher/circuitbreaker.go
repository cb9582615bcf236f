package publisher

import (
	"sync"
	"time"
)

// CircuitBreaker stops persistence attempts while the audit sink is failing.
// After cooldown a single trial call is let through; its outcome decides
// whether the circuit closes or stays open for another cooldown.
type CircuitBreaker struct {
	mu  sync.Mutex
	now func() time.Time

	threshold int
	cooldown  time.Duration

	failures  int
	openUntil time.Time
	open      bool
	trial     bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &CircuitBreaker{
		now:       time.Now,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a call may reach the sink.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.open {
		return true
	}
	if cb.trial || cb.now().Before(cb.openUntil) {
		return false
	}
	cb.trial = true
	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.open = false
	cb.trial = false
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.trial || cb.failures >= cb.threshold {
		cb.open = true
		cb.trial = false
		cb.openUntil = cb.now().Add(cb.cooldown)
	}
}

func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.open
}
