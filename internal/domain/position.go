package domain

import (
	"fmt"
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// PositionStatus tracks the lifecycle of a managed position.
type PositionStatus string

const (
	PositionOpen PositionStatus = "open"
	// PositionExitPending means an exit order has been decided and handed to
	// the execution coordinator but has not filled yet.
	PositionExitPending PositionStatus = "exit_pending"
	PositionClosed      PositionStatus = "closed"
	// PositionUnsellable means exit attempts exhausted their retries; the
	// position is retried after a cooldown.
	PositionUnsellable PositionStatus = "unsellable"
)

// PositionSource records how the bot came to manage a position.
type PositionSource string

const (
	// SourceStrategy marks positions the bot opened from an entry signal.
	SourceStrategy PositionSource = "strategy"
	// SourceImported marks pre-existing exchange holdings adopted with
	// defensive wide stops, since the true entry price is unknown.
	SourceImported PositionSource = "imported_existing"
)

// ExitReason is the risk governor's verdict for one evaluation of a position.
type ExitReason string

const (
	ExitHold       ExitReason = "hold"
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitTrailing   ExitReason = "trailing_stop"
	ExitTimeLimit  ExitReason = "time_limit"
	ExitEmergency  ExitReason = "emergency"
	// ExitPositionCap marks forced liquidation by the position cap enforcer.
	ExitPositionCap ExitReason = "position_cap"
	// ExitForced marks operator-initiated liquidation.
	ExitForced ExitReason = "forced"
	// ExitReconciled marks an exit whose fill was discovered by client order
	// ID lookup after a restart; the original trigger is unknown.
	ExitReconciled ExitReason = "reconciled"
)

// IsExit reports whether the reason requires an exit order.
func (r ExitReason) IsExit() bool {
	return r != "" && r != ExitHold
}

// Position is one open or closing position on one account.
type Position struct {
	AccountID string
	Symbol    string
	Side      Side

	EntryPrice float64
	Quantity   float64
	SizeUSD    float64

	StopLoss          float64
	TakeProfit        float64
	TrailingStopPrice float64
	HighestPrice      float64
	LowestPrice       float64
	TPStepped         bool

	Status PositionStatus
	Source PositionSource

	// PendingOrderID is the client order ID of an in-flight exit, recorded
	// before submission so a restart can ask the venue what became of it.
	PendingOrderID string

	// UnsellableUntil is set when exit retries were exhausted; the position
	// is skipped by evaluation until this time passes.
	UnsellableUntil *time.Time

	OpenedAt  time.Time
	UpdatedAt time.Time
}

// Validate checks the stop/entry/target ordering invariant:
// long positions require stop_loss < entry_price < take_profit, shorts the
// mirror image.
func (p Position) Validate() error {
	if p.Symbol == "" || p.AccountID == "" {
		return fmt.Errorf("%w: missing symbol or account", ErrInvalidPosition)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("%w: non-positive quantity %f", ErrInvalidPosition, p.Quantity)
	}
	switch p.Side {
	case SideLong:
		if !(p.StopLoss < p.EntryPrice && p.EntryPrice < p.TakeProfit) {
			return fmt.Errorf("%w: long requires stop %.8f < entry %.8f < target %.8f",
				ErrInvalidPosition, p.StopLoss, p.EntryPrice, p.TakeProfit)
		}
	case SideShort:
		if !(p.TakeProfit < p.EntryPrice && p.EntryPrice < p.StopLoss) {
			return fmt.Errorf("%w: short requires target %.8f < entry %.8f < stop %.8f",
				ErrInvalidPosition, p.TakeProfit, p.EntryPrice, p.StopLoss)
		}
	default:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidPosition, p.Side)
	}
	return nil
}

// PnLPct returns the signed fractional profit of the position at the given
// price (e.g. -0.10 for a 10% loss).
func (p Position) PnLPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pct := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == SideShort {
		pct = -pct
	}
	return pct
}

// Age returns how long the position has been open.
func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// Sellable reports whether the position should be evaluated this cycle.
// Unsellable positions re-enter evaluation after their cooldown.
func (p Position) Sellable(now time.Time) bool {
	if p.Status == PositionUnsellable && p.UnsellableUntil != nil {
		return now.After(*p.UnsellableUntil)
	}
	return p.Status == PositionOpen
}
