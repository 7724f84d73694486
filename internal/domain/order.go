package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// SizeType says which unit the order size is denominated in.
type SizeType string

const (
	// SizeBase sizes the order in units of the traded asset (e.g. BTC).
	SizeBase SizeType = "base"
	// SizeQuote sizes the order in quote currency (e.g. USD notional).
	SizeQuote SizeType = "quote"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusRejected OrderStatus = "rejected"
)

// OrderRequest describes one logical market order. ClientOrderID is the
// idempotency key: the coordinator reuses it across every retry of the same
// logical order so a fill that raced a client-side timeout is never doubled.
type OrderRequest struct {
	ClientOrderID string
	AccountID     string
	Symbol        string
	Side          OrderSide
	Size          float64
	SizeType      SizeType
	// Reason records why the order exists (entry, or one of the exit
	// reasons); it flows into the audit log and trade history.
	Reason ExitReason
}

// Order is the persisted record of a submission attempt series.
type Order struct {
	ClientOrderID string
	AccountID     string
	Symbol        string
	Side          OrderSide
	Size          float64
	SizeType      SizeType
	Status        OrderStatus
	AttemptCount  int
	LastError     string
	CreatedAt     time.Time
	FilledAt      *time.Time
}

// OrderResult wraps the broker response after order submission.
type OrderResult struct {
	Status      OrderStatus
	OrderID     string
	FilledSize  float64
	FilledValue float64 // quote-currency notional actually filled
	Message     string
}

// Filled reports whether the order reached a filled terminal state.
func (r OrderResult) Filled() bool {
	return r.Status == OrderStatusFilled
}
