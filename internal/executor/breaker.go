package executor

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current disposition.
type BreakerState string

const (
	// BreakerClosed allows submissions normally.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen fails submissions fast without touching the broker.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen has released exactly one trial submission and is
	// waiting for its outcome.
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is a point-in-time view of a breaker for status reports.
type BreakerSnapshot struct {
	State               BreakerState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Cooldown            time.Duration `json:"cooldown"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
}

// CircuitBreaker stops order submission for an account after repeated
// failures so a failing venue is not hammered. After the cooldown elapses a
// single half-open trial is permitted: success closes the breaker, failure
// reopens it with a doubled cooldown.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	threshold    int
	baseCooldown time.Duration
	cooldown     time.Duration
	consecutive  int
	openedAt     time.Time

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and cools down for cooldown before the first trial.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:        BreakerClosed,
		threshold:    threshold,
		baseCooldown: cooldown,
		cooldown:     cooldown,
		now:          time.Now,
	}
}

// Allow reports whether a submission may proceed. While open it returns
// false until the cooldown elapses, at which point it transitions to
// half-open and releases exactly one trial; further calls return false until
// the trial's outcome is recorded.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	case BreakerHalfOpen:
		// One trial at a time.
		return false
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure counter and
// cooldown.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.consecutive = 0
	b.cooldown = b.baseCooldown
}

// RecordFailure counts a failed attempt. Crossing the threshold opens the
// breaker; a failed half-open trial reopens it with a doubled cooldown.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++

	switch b.state {
	case BreakerHalfOpen:
		b.cooldown *= 2
		b.state = BreakerOpen
		b.openedAt = b.now()
	case BreakerClosed:
		if b.consecutive >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}
}

// State returns the current breaker state without releasing a trial.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's state for reporting.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		Cooldown:            b.cooldown,
		OpenedAt:            b.openedAt,
	}
}
