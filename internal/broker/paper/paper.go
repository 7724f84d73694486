// Package paper implements an in-process simulated broker. It fills market
// orders instantly at the configured mark price and supports failure
// injection, which makes it both the paper-trading venue and the test double
// for everything that talks to a BrokerClient.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Broker simulates one exchange account. The zero value is not usable; use
// New.
type Broker struct {
	mu        sync.Mutex
	connected bool
	balance   domain.Balance
	holdings  map[string]domain.Holding
	prices    map[string]float64
	orders    map[string]domain.OrderResult // keyed by client order ID
	lastNonce int64

	connectErr error
	placeErrs  []error
	// enforceNonce makes the simulator reject any nonce not greater than the
	// last accepted one, mirroring nonce-authenticated venues.
	enforceNonce bool

	logger *slog.Logger
}

// New creates a paper broker funded with the given quote balance.
func New(startingBalanceUSD float64, logger *slog.Logger) *Broker {
	return &Broker{
		balance:  domain.Balance{Available: startingBalanceUSD},
		holdings: make(map[string]domain.Holding),
		prices:   make(map[string]float64),
		orders:   make(map[string]domain.OrderResult),
		logger:   logger.With(slog.String("component", "paper_broker")),
	}
}

// SetPrice sets the mark price used for fills and position marks.
func (b *Broker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SeedHolding installs a pre-existing holding, as if the account had traded
// before the bot started.
func (b *Broker) SeedHolding(symbol string, quantity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdings[symbol] = domain.Holding{Symbol: symbol, Quantity: quantity}
}

// FailConnect makes the next Connect return err.
func (b *Broker) FailConnect(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// FailNext queues errors returned one per subsequent PlaceMarketOrder call.
func (b *Broker) FailNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeErrs = append(b.placeErrs, errs...)
}

// EnforceNonces makes the simulator reject stale nonces like a real venue.
func (b *Broker) EnforceNonces() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enforceNonce = true
}

// Connect implements domain.BrokerClient.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		err := b.connectErr
		b.connectErr = nil
		return err
	}
	b.connected = true
	return nil
}

// GetAccountBalance implements domain.BrokerClient.
func (b *Broker) GetAccountBalance(ctx context.Context) (domain.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance, nil
}

// GetPositions implements domain.BrokerClient, marking each holding at the
// current simulated price.
func (b *Broker) GetPositions(ctx context.Context) ([]domain.Holding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Holding, 0, len(b.holdings))
	for _, h := range b.holdings {
		h.CurrentPrice = b.prices[h.Symbol]
		out = append(out, h)
	}
	return out, nil
}

// PlaceMarketOrder implements domain.BrokerClient. Resubmitting a client
// order ID that already filled returns the original fill instead of
// executing twice.
func (b *Broker) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest, nonce int64) (domain.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prior, ok := b.orders[req.ClientOrderID]; ok {
		return prior, nil
	}

	if len(b.placeErrs) > 0 {
		err := b.placeErrs[0]
		b.placeErrs = b.placeErrs[1:]
		if err != nil {
			return domain.OrderResult{}, err
		}
	}

	if b.enforceNonce {
		if nonce <= b.lastNonce {
			return domain.OrderResult{}, domain.NewBrokerError(domain.ErrKindNonceInvalid,
				"nonce %d not greater than last seen %d", nonce, b.lastNonce)
		}
		b.lastNonce = nonce
	}

	price := b.prices[req.Symbol]
	if price <= 0 {
		return domain.OrderResult{}, domain.NewBrokerError(domain.ErrKindUnknown,
			"no market price for %s", req.Symbol)
	}

	var qty, value float64
	switch req.SizeType {
	case domain.SizeQuote:
		value = req.Size
		qty = req.Size / price
	default:
		qty = req.Size
		value = req.Size * price
	}

	if err := b.settle(req, qty, value); err != nil {
		return domain.OrderResult{}, err
	}

	result := domain.OrderResult{
		Status:      domain.OrderStatusFilled,
		OrderID:     uuid.New().String(),
		FilledSize:  qty,
		FilledValue: value,
		Message:     fmt.Sprintf("paper fill at %.8f", price),
	}
	b.orders[req.ClientOrderID] = result
	b.logger.Debug("paper order filled",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Float64("quantity", qty),
		slog.Float64("value", value),
	)
	return result, nil
}

// settle applies a fill to the simulated balance and holdings.
func (b *Broker) settle(req domain.OrderRequest, qty, value float64) error {
	switch req.Side {
	case domain.OrderSideBuy:
		if value > b.balance.Available {
			return domain.NewBrokerError(domain.ErrKindInsufficientFunds,
				"need %.2f, have %.2f", value, b.balance.Available)
		}
		b.balance.Available -= value
		h := b.holdings[req.Symbol]
		h.Symbol = req.Symbol
		h.Quantity += qty
		b.holdings[req.Symbol] = h

	case domain.OrderSideSell:
		h, ok := b.holdings[req.Symbol]
		if !ok || h.Quantity < qty-1e-12 {
			return domain.NewBrokerError(domain.ErrKindInsufficientFunds,
				"selling %.8f %s, hold %.8f", qty, req.Symbol, h.Quantity)
		}
		h.Quantity -= qty
		if h.Quantity <= 1e-12 {
			delete(b.holdings, req.Symbol)
		} else {
			b.holdings[req.Symbol] = h
		}
		b.balance.Available += value

	default:
		return domain.NewBrokerError(domain.ErrKindUnknown, "unknown side %q", req.Side)
	}
	return nil
}

// GetOrderByClientID implements domain.BrokerClient.
func (b *Broker) GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if res, ok := b.orders[clientOrderID]; ok {
		return res, nil
	}
	return domain.OrderResult{}, domain.ErrNotFound
}

// CancelOrder implements domain.BrokerClient. Paper fills are instantaneous,
// so there is never anything to cancel.
func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	return nil
}

// Holdings returns a snapshot of the simulated holdings, for assertions.
func (b *Broker) Holdings() map[string]domain.Holding {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]domain.Holding, len(b.holdings))
	for k, v := range b.holdings {
		out[k] = v
	}
	return out
}

// FillCount returns how many distinct orders have filled.
func (b *Broker) FillCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

var _ domain.BrokerClient = (*Broker)(nil)
