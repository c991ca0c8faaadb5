package routing

import (
	"sync"
	"time"
)

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 300 * time.Second
)

// breakerEntry is the failure state of one provider
type breakerEntry struct {
	failureCount    int
	lastFailureTime time.Time
}

// BreakerState is a point-in-time view of one breaker entry
type BreakerState struct {
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	Open            bool      `json:"open"`
}

// CircuitBreaker tracks short-term failures per provider, separately from
// the registry's health metrics. After threshold failures a provider is
// skipped until timeout has elapsed since its last failure, at which point
// the count resets and it is tried again.
type CircuitBreaker struct {
	mu        sync.Mutex
	entries   map[string]*breakerEntry
	threshold int
	timeout   time.Duration
	now       func() time.Time
}

// NewCircuitBreaker creates a tracker. Non-positive arguments use the defaults.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}
	return &CircuitBreaker{
		entries:   make(map[string]*breakerEntry),
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// WithClock replaces the time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
	return cb
}

// IsAvailable reports whether the provider may be attempted now. An open
// breaker whose timeout has elapsed is reset as a side effect.
func (cb *CircuitBreaker) IsAvailable(name string) bool {
	available, _ := cb.Check(name)
	return available
}

// Check is IsAvailable that also reports whether this call reset an open
// breaker.
func (cb *CircuitBreaker) Check(name string) (available, reset bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.entries[name]
	if !ok || e.failureCount < cb.threshold {
		return true, false
	}
	if cb.now().Sub(e.lastFailureTime) >= cb.timeout {
		e.failureCount = 0
		return true, true
	}
	return false, false
}

// IsOpen reports whether the breaker is open without resetting it
func (cb *CircuitBreaker) IsOpen(name string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.entries[name]
	return ok && e.failureCount >= cb.threshold && cb.now().Sub(e.lastFailureTime) < cb.timeout
}

// RecordSuccess closes the breaker
func (cb *CircuitBreaker) RecordSuccess(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if e, ok := cb.entries[name]; ok {
		e.failureCount = 0
	}
}

// RecordFailure counts a failure and reports whether the breaker is now open
func (cb *CircuitBreaker) RecordFailure(name string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.entries[name]
	if !ok {
		e = &breakerEntry{}
		cb.entries[name] = e
	}
	e.failureCount++
	e.lastFailureTime = cb.now()
	return e.failureCount >= cb.threshold
}

// FailureCount returns the current failure count for name
func (cb *CircuitBreaker) FailureCount(name string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if e, ok := cb.entries[name]; ok {
		return e.failureCount
	}
	return 0
}

// Snapshot returns the state of every tracked provider
func (cb *CircuitBreaker) Snapshot() map[string]BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	out := make(map[string]BreakerState, len(cb.entries))
	for name, e := range cb.entries {
		out[name] = BreakerState{
			FailureCount:    e.failureCount,
			LastFailureTime: e.lastFailureTime,
			Open:            e.failureCount >= cb.threshold && now.Sub(e.lastFailureTime) < cb.timeout,
		}
	}
	return out
}
