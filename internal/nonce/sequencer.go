// Package nonce implements the per-account monotonic nonce sequencer.
//
// Exchanges that authenticate with nonces reject any request whose nonce is
// not strictly greater than the last one accepted for that API key, and the
// exchange-side memory of "last seen" survives our process restarts for an
// observed window of up to a few minutes. The sequencer therefore persists
// the last emitted value and seeds cold starts ahead of the wall clock by a
// tunable offset that exceeds that window.
package nonce

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Options tunes the sequencer's cold-start offsets. The exchange nonce
// window is observed behavior rather than documented contract, so both
// values are tunables.
type Options struct {
	// BaseOffset is added to the wall clock on cold start so the first nonce
	// clears anything the exchange may remember from a previous run.
	BaseOffset time.Duration
	// RecoveryOffset is the forward jump applied after an observed
	// invalid-nonce rejection when no explicit delta is given.
	RecoveryOffset time.Duration
}

// DefaultOptions returns the offsets used when none are configured.
func DefaultOptions() Options {
	return Options{
		BaseOffset:     15 * time.Second,
		RecoveryOffset: 240 * time.Second,
	}
}

// Sequencer produces a strictly increasing nonce per account, safe across
// concurrent callers and across process restarts. If the backing store is
// unavailable it degrades to in-memory monotonic counting for the lifetime
// of the process; it never fails a caller.
type Sequencer struct {
	accountID string
	store     domain.NonceStore
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	last     int64
	degraded bool
}

// New initializes a Sequencer for the given account. On cold start (no
// persisted value) the first nonce is seeded at
// wall_clock_micros + base_offset + jitter, where jitter is uniform in
// [0, base_offset/2) so two process instances racing to initialize the same
// account do not collide. When a persisted value exists, the larger of the
// persisted value and the seeded value wins.
func New(ctx context.Context, accountID string, store domain.NonceStore, opts Options, logger *slog.Logger) *Sequencer {
	if opts.BaseOffset <= 0 {
		opts = DefaultOptions()
	}

	s := &Sequencer{
		accountID: accountID,
		store:     store,
		opts:      opts,
		logger:    logger.With(slog.String("component", "nonce"), slog.String("account", accountID)),
	}

	jitter := time.Duration(rand.Int63n(int64(opts.BaseOffset / 2)))
	seed := nowMicros() + opts.BaseOffset.Microseconds() + jitter.Microseconds()

	persisted, err := store.Load(ctx, accountID)
	switch {
	case err == nil && persisted >= seed:
		s.last = persisted
	case err == nil:
		s.last = seed
	case errors.Is(err, domain.ErrNotFound):
		s.last = seed
	default:
		// Storage unavailable: run degraded from the seed. Not fatal.
		s.last = seed
		s.degraded = true
		s.logger.Warn("nonce store unavailable, running in-memory only",
			slog.String("error", err.Error()),
		)
	}

	return s
}

// Next returns the next nonce: max(last+1, wall_clock_micros). The value is
// persisted before it is returned, so a nonce that could reach the exchange
// is never forgotten by a crash.
func (s *Sequencer) Next(ctx context.Context) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := nowMicros()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	s.persistLocked(ctx)
	return n
}

// JumpForward advances the sequence by at least delta, guaranteeing the next
// emission is greater than anything the exchange has cached as seen, even
// under clock skew. Called by the execution coordinator on an invalid-nonce
// rejection. A non-positive delta uses the configured recovery offset.
func (s *Sequencer) JumpForward(ctx context.Context, delta time.Duration) {
	if delta <= 0 {
		delta = s.opts.RecoveryOffset
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	floor := nowMicros() + delta.Microseconds()
	if s.last < floor {
		s.last = floor
	} else {
		s.last += delta.Microseconds()
	}
	s.persistLocked(ctx)

	s.logger.Info("nonce sequence jumped forward",
		slog.Duration("delta", delta),
		slog.Int64("last", s.last),
	)
}

// Last returns the most recently emitted nonce.
func (s *Sequencer) Last() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Degraded reports whether the sequencer lost its durable backing.
func (s *Sequencer) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// persistLocked saves the counter, downgrading to in-memory mode on the
// first failure. The degradation is logged once, not per emission.
func (s *Sequencer) persistLocked(ctx context.Context) {
	if s.degraded {
		return
	}
	if err := s.store.Save(ctx, s.accountID, s.last); err != nil {
		s.degraded = true
		s.logger.Warn("nonce persistence failed, degrading to in-memory counter",
			slog.String("error", err.Error()),
		)
	}
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}
