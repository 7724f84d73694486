package paper

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(10_000, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, b.Connect(context.Background()))
	b.SetPrice("BTC-USD", 60_000)
	return b
}

func buyReq(clientID string, sizeUSD float64) domain.OrderRequest {
	return domain.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        "BTC-USD",
		Side:          domain.OrderSideBuy,
		Size:          sizeUSD,
		SizeType:      domain.SizeQuote,
	}
}

func TestBuyThenSellRoundTrip(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	ctx := context.Background()

	res, err := b.PlaceMarketOrder(ctx, buyReq("c-1", 6_000), 1)
	require.NoError(t, err)
	assert.True(t, res.Filled())
	assert.InDelta(t, 0.1, res.FilledSize, 1e-9)

	bal, err := b.GetAccountBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 4_000, bal.Available, 1e-9)

	_, err = b.PlaceMarketOrder(ctx, domain.OrderRequest{
		ClientOrderID: "c-2",
		Symbol:        "BTC-USD",
		Side:          domain.OrderSideSell,
		Size:          0.1,
		SizeType:      domain.SizeBase,
	}, 2)
	require.NoError(t, err)

	bal, err = b.GetAccountBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10_000, bal.Available, 1e-9)
	assert.Empty(t, b.Holdings())
}

func TestResubmitSameClientIDFillsOnce(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	ctx := context.Background()

	first, err := b.PlaceMarketOrder(ctx, buyReq("dup", 1_000), 1)
	require.NoError(t, err)

	second, err := b.PlaceMarketOrder(ctx, buyReq("dup", 1_000), 2)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, b.FillCount())

	bal, err := b.GetAccountBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 9_000, bal.Available, 1e-9, "only one fill may settle")
}

func TestInsufficientFunds(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	_, err := b.PlaceMarketOrder(context.Background(), buyReq("c-1", 50_000), 1)
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindInsufficientFunds, domain.Classify(err))
}

func TestStaleNonceRejected(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	b.EnforceNonces()
	ctx := context.Background()

	_, err := b.PlaceMarketOrder(ctx, buyReq("c-1", 100), 50)
	require.NoError(t, err)

	_, err = b.PlaceMarketOrder(ctx, buyReq("c-2", 100), 50)
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindNonceInvalid, domain.Classify(err))

	_, err = b.PlaceMarketOrder(ctx, buyReq("c-3", 100), 51)
	assert.NoError(t, err)
}

func TestLookupByClientID(t *testing.T) {
	t.Parallel()

	b := newTestBroker(t)
	ctx := context.Background()

	placed, err := b.PlaceMarketOrder(ctx, buyReq("c-1", 100), 1)
	require.NoError(t, err)

	found, err := b.GetOrderByClientID(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, placed.OrderID, found.OrderID)

	_, err = b.GetOrderByClientID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
