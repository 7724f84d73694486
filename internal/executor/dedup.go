package executor

import (
	"sync"
	"time"
)

// ErrorDedup suppresses repeated detailed diagnostics for the same failure
// class within a time-to-live window, so a flapping venue produces one
// actionable log line per class instead of a flood. It is safe for concurrent
// use.
type ErrorDedup struct {
	seen map[string]time.Time // failure class -> last reported time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewErrorDedup creates an ErrorDedup that treats a failure class as already
// reported if it was seen within the given ttl.
func NewErrorDedup(ttl time.Duration) *ErrorDedup {
	return &ErrorDedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// ShouldReport returns true if the failure class has not been reported within
// the TTL window, recording it as reported. Subsequent calls within the
// window return false.
func (d *ErrorDedup) ShouldReport(class string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if last, ok := d.seen[class]; ok {
		if now.Sub(last) < d.ttl {
			return false
		}
	}

	d.seen[class] = now
	return true
}

// Cleanup removes entries that have expired beyond the TTL. Call periodically
// to prevent unbounded memory growth.
func (d *ErrorDedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for class, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, class)
		}
	}
}
