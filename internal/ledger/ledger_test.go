package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// memPositionStore is an in-memory PositionStore with injectable failures.
type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position // accountID/symbol
	upsertErr error
	deleteErr error
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[string]domain.Position)}
}

func key(accountID, symbol string) string { return accountID + "/" + symbol }

func (m *memPositionStore) Upsert(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.positions[key(pos.AccountID, pos.Symbol)] = pos
	return nil
}

func (m *memPositionStore) Get(_ context.Context, accountID, symbol string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[key(accountID, symbol)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memPositionStore) GetOpen(_ context.Context, accountID string) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPositionStore) Delete(_ context.Context, accountID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.positions, key(accountID, symbol))
	return nil
}

// memTradeStore is an in-memory TradeStore.
type memTradeStore struct {
	mu     sync.Mutex
	trades []domain.Trade
	err    error
}

func (m *memTradeStore) Insert(_ context.Context, trade domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.trades = append(m.trades, trade)
	return nil
}

func (m *memTradeStore) ListRecent(_ context.Context, _ string, _ int) ([]domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Trade(nil), m.trades...), nil
}

func (m *memTradeStore) ListBefore(_ context.Context, before time.Time) ([]domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Trade
	for _, tr := range m.trades {
		if tr.ClosedAt.Before(before) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (m *memTradeStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.Trade
	var n int64
	for _, tr := range m.trades {
		if tr.ClosedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, tr)
	}
	m.trades = kept
	return n, nil
}

func testLedger(t *testing.T) (*Ledger, *memPositionStore, *memTradeStore) {
	t.Helper()
	store := newMemPositionStore()
	trades := &memTradeStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("acct-1", store, trades, logger), store, trades
}

func openLong(t *testing.T, l *Ledger, symbol string, entry float64) {
	t.Helper()
	require.NoError(t, l.Open(context.Background(), domain.Position{
		Symbol:     symbol,
		Side:       domain.SideLong,
		EntryPrice: entry,
		Quantity:   1,
		SizeUSD:    entry,
		StopLoss:   entry * 0.95,
		TakeProfit: entry * 1.05,
		Source:     domain.SourceStrategy,
	}))
}

func TestOpen_PersistsBeforeVisible(t *testing.T) {
	t.Parallel()

	l, store, _ := testLedger(t)
	openLong(t, l, "BTC-USD", 100)

	// Visible in memory and in the store.
	assert.True(t, l.Has("BTC-USD"))
	_, err := store.Get(context.Background(), "acct-1", "BTC-USD")
	assert.NoError(t, err)
}

func TestOpen_StoreFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()

	l, store, _ := testLedger(t)
	store.upsertErr = errors.New("connection lost")

	err := l.Open(context.Background(), domain.Position{
		Symbol:     "BTC-USD",
		Side:       domain.SideLong,
		EntryPrice: 100,
		Quantity:   1,
		StopLoss:   95,
		TakeProfit: 105,
	})

	require.Error(t, err)
	assert.False(t, l.Has("BTC-USD"), "failed persist must not leave an in-memory position")
}

func TestOpen_DuplicateSymbolRejected(t *testing.T) {
	t.Parallel()

	l, _, _ := testLedger(t)
	openLong(t, l, "BTC-USD", 100)

	err := l.Open(context.Background(), domain.Position{
		Symbol:     "BTC-USD",
		Side:       domain.SideLong,
		EntryPrice: 100,
		Quantity:   1,
		StopLoss:   95,
		TakeProfit: 105,
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestOpen_InvariantEnforced(t *testing.T) {
	t.Parallel()

	l, _, _ := testLedger(t)

	// stop above entry on a long
	err := l.Open(context.Background(), domain.Position{
		Symbol:     "BTC-USD",
		Side:       domain.SideLong,
		EntryPrice: 100,
		Quantity:   1,
		StopLoss:   101,
		TakeProfit: 105,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPosition)
}

func TestUpdate_RejectsInvariantBreakingMutation(t *testing.T) {
	t.Parallel()

	l, _, _ := testLedger(t)
	openLong(t, l, "BTC-USD", 100)

	err := l.Update(context.Background(), "BTC-USD", func(p *domain.Position) {
		p.TakeProfit = 90 // below entry on a long
	})
	require.Error(t, err)

	// Original stands.
	p, ok := l.Get("BTC-USD")
	require.True(t, ok)
	assert.InDelta(t, 105, p.TakeProfit, 1e-9)
}

func TestClose_RecordsTradeAndRemoves(t *testing.T) {
	t.Parallel()

	l, store, trades := testLedger(t)
	openLong(t, l, "BTC-USD", 100)

	require.NoError(t, l.Close(context.Background(), "BTC-USD", 110, domain.ExitTakeProfit))

	assert.False(t, l.Has("BTC-USD"))
	_, err := store.Get(context.Background(), "acct-1", "BTC-USD")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.Len(t, trades.trades, 1)
	tr := trades.trades[0]
	assert.Equal(t, domain.ExitTakeProfit, tr.Reason)
	assert.InDelta(t, 10, tr.PnLUSD, 1e-9)
}

func TestClose_ShortPnL(t *testing.T) {
	t.Parallel()

	l, _, trades := testLedger(t)
	require.NoError(t, l.Open(context.Background(), domain.Position{
		Symbol:     "ETH-USD",
		Side:       domain.SideShort,
		EntryPrice: 100,
		Quantity:   2,
		SizeUSD:    200,
		StopLoss:   110,
		TakeProfit: 90,
	}))

	require.NoError(t, l.Close(context.Background(), "ETH-USD", 90, domain.ExitTakeProfit))

	require.Len(t, trades.trades, 1)
	assert.InDelta(t, 20, trades.trades[0].PnLUSD, 1e-9)
}

func TestClose_TradeInsertFailureKeepsPosition(t *testing.T) {
	t.Parallel()

	l, _, trades := testLedger(t)
	openLong(t, l, "BTC-USD", 100)
	trades.err = errors.New("insert failed")

	err := l.Close(context.Background(), "BTC-USD", 110, domain.ExitTakeProfit)
	require.Error(t, err)
	assert.True(t, l.Has("BTC-USD"), "position must survive a failed close")
}

func TestImportExisting_DefensiveBounds(t *testing.T) {
	t.Parallel()

	// 0.5 BTC at $60,000 with 5%/10% bounds.
	l, _, _ := testLedger(t)
	require.NoError(t, l.ImportExisting(context.Background(), "BTC-USD", 0.5, 60000, 0.05))

	p, ok := l.Get("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, domain.SourceImported, p.Source)
	assert.InDelta(t, 57000, p.StopLoss, 1e-6)
	assert.InDelta(t, 66000, p.TakeProfit, 1e-6)
	assert.InDelta(t, 30000, p.SizeUSD, 1e-6)
}

func TestMarkExitPending_RecordsOrderID(t *testing.T) {
	t.Parallel()

	l, store, _ := testLedger(t)
	openLong(t, l, "BTC-USD", 100)

	require.NoError(t, l.MarkExitPending(context.Background(), "BTC-USD", "co-1"))

	p, ok := l.Get("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, domain.PositionExitPending, p.Status)
	assert.Equal(t, "co-1", p.PendingOrderID)

	// The order identity must survive a restart.
	persisted, err := store.Get(context.Background(), "acct-1", "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "co-1", persisted.PendingOrderID)

	require.NoError(t, l.MarkOpen(context.Background(), "BTC-USD"))
	p, ok = l.Get("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, domain.PositionOpen, p.Status)
	assert.Empty(t, p.PendingOrderID)
}

func TestMarkUnsellable_CooldownGatesEvaluation(t *testing.T) {
	t.Parallel()

	l, _, _ := testLedger(t)
	openLong(t, l, "BTC-USD", 100)

	require.NoError(t, l.MarkUnsellable(context.Background(), "BTC-USD", time.Hour))

	p, ok := l.Get("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, domain.PositionUnsellable, p.Status)
	assert.False(t, p.Sellable(time.Now()))
	assert.True(t, p.Sellable(time.Now().Add(2*time.Hour)))
}

func TestLoad_RecoversFromStore(t *testing.T) {
	t.Parallel()

	store := newMemPositionStore()
	trades := &memTradeStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// A prior process persisted a position.
	require.NoError(t, store.Upsert(context.Background(), domain.Position{
		AccountID:  "acct-1",
		Symbol:     "BTC-USD",
		Side:       domain.SideLong,
		EntryPrice: 100,
		Quantity:   1,
		StopLoss:   95,
		TakeProfit: 105,
		Status:     domain.PositionOpen,
	}))

	l := New("acct-1", store, trades, logger)
	require.NoError(t, l.Load(context.Background()))

	assert.Equal(t, 1, l.Count())
	assert.True(t, l.Has("BTC-USD"))
}
