// Package ledger maintains the durable record of open positions for one
// account. Every mutation is flushed to the backing store before the
// in-memory view changes: a crash between decision and flush must never lose
// track of an open position, because an untracked position is capital the
// system silently stops managing.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Ledger is the single-writer position book for one account. The owning
// account worker is the only goroutine that mutates it; reads are safe from
// any goroutine.
type Ledger struct {
	accountID string
	store     domain.PositionStore
	trades    domain.TradeStore
	logger    *slog.Logger

	mu   sync.RWMutex
	open map[string]domain.Position // symbol -> position
}

// New creates an empty ledger for the account. Call Load to recover
// persisted positions before first use.
func New(accountID string, store domain.PositionStore, trades domain.TradeStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		accountID: accountID,
		store:     store,
		trades:    trades,
		logger:    logger.With(slog.String("component", "ledger"), slog.String("account", accountID)),
		open:      make(map[string]domain.Position),
	}
}

// Load recovers the open position set from the store after a restart.
func (l *Ledger) Load(ctx context.Context) error {
	positions, err := l.store.GetOpen(ctx, l.accountID)
	if err != nil {
		return fmt.Errorf("ledger: load open positions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range positions {
		l.open[p.Symbol] = p
	}

	if len(positions) > 0 {
		l.logger.Info("recovered open positions", slog.Int("count", len(positions)))
	}
	return nil
}

// Open records a new position. The position is validated and persisted
// before it becomes visible; a position already open on the symbol is an
// error.
func (l *Ledger) Open(ctx context.Context, pos domain.Position) error {
	pos.AccountID = l.accountID
	if pos.Status == "" {
		pos.Status = domain.PositionOpen
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now().UTC()
	}
	pos.UpdatedAt = time.Now().UTC()

	if err := pos.Validate(); err != nil {
		return fmt.Errorf("ledger: open %s: %w", pos.Symbol, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.open[pos.Symbol]; exists {
		return fmt.Errorf("ledger: open %s: %w", pos.Symbol, domain.ErrAlreadyExists)
	}

	// Durable before visible.
	if err := l.store.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("ledger: persist %s: %w", pos.Symbol, err)
	}
	l.open[pos.Symbol] = pos

	l.logger.Info("position opened",
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("entry", pos.EntryPrice),
		slog.Float64("size_usd", pos.SizeUSD),
		slog.String("source", string(pos.Source)),
	)
	return nil
}

// Update applies mutator to the position and persists the result before the
// in-memory view changes. Mutations that break the position invariant are
// rejected.
func (l *Ledger) Update(ctx context.Context, symbol string, mutator func(*domain.Position)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, exists := l.open[symbol]
	if !exists {
		return fmt.Errorf("ledger: update %s: %w", symbol, domain.ErrNotFound)
	}

	mutator(&pos)
	pos.UpdatedAt = time.Now().UTC()

	if err := pos.Validate(); err != nil {
		return fmt.Errorf("ledger: update %s: %w", symbol, err)
	}
	if err := l.store.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("ledger: persist %s: %w", symbol, err)
	}
	l.open[symbol] = pos
	return nil
}

// Close removes a position after a filled exit order and records the
// completed round trip in trade history.
func (l *Ledger) Close(ctx context.Context, symbol string, exitPrice float64, reason domain.ExitReason) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, exists := l.open[symbol]
	if !exists {
		return fmt.Errorf("ledger: close %s: %w", symbol, domain.ErrNotFound)
	}

	now := time.Now().UTC()
	pnl := (exitPrice - pos.EntryPrice) * pos.Quantity
	if pos.Side == domain.SideShort {
		pnl = -pnl
	}

	trade := domain.Trade{
		ID:         uuid.New().String(),
		AccountID:  l.accountID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		SizeUSD:    pos.SizeUSD,
		PnLUSD:     pnl,
		Reason:     reason,
		Source:     pos.Source,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   now,
	}

	// History first, then drop the position record, then the memory view.
	// If the trade insert fails the position stays open and the exit is
	// reconciled on the next cycle.
	if err := l.trades.Insert(ctx, trade); err != nil {
		return fmt.Errorf("ledger: record trade %s: %w", symbol, err)
	}
	if err := l.store.Delete(ctx, l.accountID, symbol); err != nil {
		return fmt.Errorf("ledger: delete %s: %w", symbol, err)
	}
	delete(l.open, symbol)

	l.logger.Info("position closed",
		slog.String("symbol", symbol),
		slog.String("reason", string(reason)),
		slog.Float64("exit", exitPrice),
		slog.Float64("pnl_usd", pnl),
	)
	return nil
}

// ImportExisting adopts an exchange holding the bot did not open. The true
// entry price is unknown, so stops are set defensively wide around the
// current price to avoid premature exits on inherited positions.
func (l *Ledger) ImportExisting(ctx context.Context, symbol string, quantity, currentPrice, boundPct float64) error {
	if boundPct <= 0 {
		boundPct = 0.05
	}

	pos := domain.Position{
		AccountID:    l.accountID,
		Symbol:       symbol,
		Side:         domain.SideLong,
		EntryPrice:   currentPrice,
		Quantity:     quantity,
		SizeUSD:      quantity * currentPrice,
		StopLoss:     currentPrice * (1 - boundPct),
		TakeProfit:   currentPrice * (1 + 2*boundPct),
		HighestPrice: currentPrice,
		Status:       domain.PositionOpen,
		Source:       domain.SourceImported,
	}
	return l.Open(ctx, pos)
}

// MarkExitPending flags a position whose exit order has been handed to the
// execution coordinator, recording the order's client ID so a restart can
// reconcile the submission's fate against the venue.
func (l *Ledger) MarkExitPending(ctx context.Context, symbol, clientOrderID string) error {
	return l.Update(ctx, symbol, func(p *domain.Position) {
		p.Status = domain.PositionExitPending
		p.PendingOrderID = clientOrderID
	})
}

// MarkOpen reverts a pending exit that did not fill.
func (l *Ledger) MarkOpen(ctx context.Context, symbol string) error {
	return l.Update(ctx, symbol, func(p *domain.Position) {
		p.Status = domain.PositionOpen
		p.PendingOrderID = ""
		p.UnsellableUntil = nil
	})
}

// MarkUnsellable parks a position whose exit attempts exhausted their
// retries; it re-enters evaluation after the cooldown.
func (l *Ledger) MarkUnsellable(ctx context.Context, symbol string, cooldown time.Duration) error {
	until := time.Now().UTC().Add(cooldown)
	err := l.Update(ctx, symbol, func(p *domain.Position) {
		p.Status = domain.PositionUnsellable
		p.UnsellableUntil = &until
	})
	if err != nil {
		return err
	}
	l.logger.Warn("position marked unsellable",
		slog.String("symbol", symbol),
		slog.Time("retry_after", until),
	)
	return nil
}

// Get returns the open position for symbol.
func (l *Ledger) Get(symbol string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.open[symbol]
	return p, ok
}

// AllOpen returns a copy of every tracked position (any status except
// closed).
func (l *Ledger) AllOpen() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Position, 0, len(l.open))
	for _, p := range l.open {
		out = append(out, p)
	}
	return out
}

// Has reports whether a position is tracked on the symbol.
func (l *Ledger) Has(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.open[symbol]
	return ok
}

// Count returns the number of tracked positions.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.open)
}
