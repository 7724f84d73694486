package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests walk the breaker through its cooldown without
// sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := NewCircuitBreaker(threshold, cooldown)
	b.now = clock.now
	return b, clock
}

func TestBreakerStartsClosed(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3, time.Minute)
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	// Two failures after a success must not reach the threshold of three.
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())

	clock.advance(30 * time.Second)
	assert.False(t, b.Allow(), "cooldown not elapsed yet")

	clock.advance(31 * time.Second)
	assert.True(t, b.Allow(), "cooldown elapsed, one trial released")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial until an outcome is recorded")
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	clock.advance(time.Minute)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
	assert.Equal(t, time.Minute, b.Snapshot().Cooldown, "cooldown reset to base")
}

func TestBreakerHalfOpenFailureDoublesCooldown(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	clock.advance(time.Minute)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 2*time.Minute, b.Snapshot().Cooldown)

	clock.advance(time.Minute)
	assert.False(t, b.Allow(), "doubled cooldown not elapsed")

	clock.advance(time.Minute)
	assert.True(t, b.Allow())

	// A second failed trial doubles again.
	b.RecordFailure()
	assert.Equal(t, 4*time.Minute, b.Snapshot().Cooldown)

	// Recovery after repeated doubling still resets to the base cooldown.
	clock.advance(4 * time.Minute)
	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, time.Minute, b.Snapshot().Cooldown)
}
