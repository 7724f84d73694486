package domain

import "context"

// Balance is an account's funds snapshot.
type Balance struct {
	Available  float64
	Held       float64
	ByCurrency map[string]float64
}

// Holding is one position as reported by the exchange, used both for price
// marks and for importing holdings the bot did not open.
type Holding struct {
	Symbol       string
	Quantity     float64
	CurrentPrice float64
}

// BrokerClient is the single interface every exchange adapter implements.
// Implementations map venue-specific errors onto BrokerError kinds at this
// boundary; business logic never sees raw exchange payloads.
//
// Nonce-authenticated venues require the nonce passed to PlaceMarketOrder to
// be strictly greater than any previously accepted value for the API key, so
// calls for one account must never be issued concurrently. The execution
// coordinator is the sole caller and enforces that ordering.
type BrokerClient interface {
	Connect(ctx context.Context) error
	GetAccountBalance(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context) ([]Holding, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest, nonce int64) (OrderResult, error)
	// GetOrderByClientID looks up a prior submission by its idempotency key.
	// Returns ErrNotFound when the venue has no record of it.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// EntrySignal is a fully specified entry decision produced by a signal
// generator. Signal generation itself lives outside this system.
type EntrySignal struct {
	Symbol     string
	Side       Side
	SizeUSD    float64
	StopLoss   float64
	TakeProfit float64
}

// SignalGenerator produces entry decisions from market data.
type SignalGenerator interface {
	// EvaluateEntry returns nil when no entry is warranted.
	EvaluateEntry(ctx context.Context, symbol string) (*EntrySignal, error)
}
