package routing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(5, 300*time.Second).WithClock(clock.Now)

	for i := 0; i < 4; i++ {
		assert.False(t, cb.RecordFailure("X"))
		assert.True(t, cb.IsAvailable("X"), "failure %d should keep the breaker closed", i+1)
	}
	assert.True(t, cb.RecordFailure("X"))
	assert.False(t, cb.IsAvailable("X"))

	clock.Advance(299 * time.Second)
	assert.False(t, cb.IsAvailable("X"))
	assert.Equal(t, 5, cb.FailureCount("X"))

	clock.Advance(time.Second)
	assert.True(t, cb.IsAvailable("X"))
	assert.Equal(t, 0, cb.FailureCount("X"))
}

func TestCircuitBreaker_CheckReportsReset(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(2, time.Minute).WithClock(clock.Now)

	available, reset := cb.Check("X")
	assert.True(t, available)
	assert.False(t, reset)

	cb.RecordFailure("X")
	cb.RecordFailure("X")
	available, reset = cb.Check("X")
	assert.False(t, available)
	assert.False(t, reset)

	clock.Advance(time.Minute)
	available, reset = cb.Check("X")
	assert.True(t, available)
	assert.True(t, reset)

	// only the call that resets reports it
	available, reset = cb.Check("X")
	assert.True(t, available)
	assert.False(t, reset)
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure("X")
	cb.RecordFailure("X")
	cb.RecordSuccess("X")
	assert.Equal(t, 0, cb.FailureCount("X"))

	cb.RecordFailure("X")
	cb.RecordFailure("X")
	assert.True(t, cb.IsAvailable("X"))

	// unknown names are closed and success on them is a no-op
	cb.RecordSuccess("unknown")
	assert.True(t, cb.IsAvailable("unknown"))
	assert.Equal(t, 0, cb.FailureCount("unknown"))
}

func TestCircuitBreaker_NameIsolation(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.RecordFailure("A")

	assert.False(t, cb.IsAvailable("A"))
	assert.True(t, cb.IsAvailable("B"))
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(0, 0)
	assert.Equal(t, DefaultBreakerThreshold, cb.threshold)
	assert.Equal(t, DefaultBreakerTimeout, cb.timeout)
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(2, time.Minute).WithClock(clock.Now)

	cb.RecordFailure("A")
	cb.RecordFailure("A")
	cb.RecordFailure("B")

	snap := cb.Snapshot()
	assert.True(t, snap["A"].Open)
	assert.Equal(t, 2, snap["A"].FailureCount)
	assert.False(t, snap["B"].Open)
	assert.Equal(t, clock.Now(), snap["B"].LastFailureTime)

	clock.Advance(time.Minute)
	assert.False(t, cb.Snapshot()["A"].Open)
}

func TestCircuitBreaker_ConcurrentFailures(t *testing.T) {
	cb := NewCircuitBreaker(1<<30, time.Minute)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				cb.RecordFailure("X")
				cb.IsAvailable("X")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, cb.FailureCount("X"))
}
