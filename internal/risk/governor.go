// Package risk implements the per-cycle exit policy for open positions: the
// governor evaluates each position against the current price and decides
// whether to hold or exit, and the cap enforcer bounds the number of open
// positions per account.
package risk

import (
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Policy holds the tunable exit thresholds applied to every position on an
// account. Percentages are fractional (0.05 = 5%).
type Policy struct {
	// EmergencyLossPct is the loss fraction at which the emergency exit
	// fires, bypassing the normal stop. More aggressive than StopLoss.
	EmergencyLossPct float64
	// StepTriggerPct is the favorable move that triggers the one-time
	// take-profit escalation.
	StepTriggerPct float64
	// SteppedTPPct is the escalated take-profit distance from entry.
	SteppedTPPct float64
	// TrailingPct is the retracement from the favorable extreme that exits.
	TrailingPct float64
	// MaxHold exits positions with no profit after this long.
	MaxHold time.Duration
	// MaxHoldHard exits positions unconditionally after this long.
	MaxHoldHard time.Duration
}

// Evaluate runs one evaluation cycle for a single position at the given
// price. It returns the exit decision and mutates the position's trailing
// fields (highest/lowest price, trailing stop, stepped take-profit) in place.
//
// Checks run most-severe first; the first match wins:
// emergency stop, stop loss, stepped-TP escalation (a mutation, not an
// exit), take profit, trailing stop, time limit.
func Evaluate(p *domain.Position, price float64, pol Policy, now time.Time) domain.ExitReason {
	if price <= 0 {
		return domain.ExitHold
	}

	pnl := p.PnLPct(price)

	// 1. Emergency stop: catastrophic loss exits ahead of everything and is
	// retried more aggressively downstream.
	if pol.EmergencyLossPct > 0 && pnl <= -pol.EmergencyLossPct {
		return domain.ExitEmergency
	}

	// 2. Normal stop loss.
	if stopHit(p, price) {
		return domain.ExitStopLoss
	}

	// 3. Stepped take-profit escalation: once price confirms the move, raise
	// the target so a winner is not cut short at the base target. One-shot.
	if !p.TPStepped && pol.StepTriggerPct > 0 && pnl >= pol.StepTriggerPct {
		switch p.Side {
		case domain.SideLong:
			p.TakeProfit = p.EntryPrice * (1 + pol.SteppedTPPct)
		case domain.SideShort:
			p.TakeProfit = p.EntryPrice * (1 - pol.SteppedTPPct)
		}
		p.TPStepped = true
	}

	// 4. Take profit, against the possibly escalated target.
	if targetHit(p, price) {
		return domain.ExitTakeProfit
	}

	// 5. Trailing stop: ratchet the favorable extreme, exit on retracement.
	if updateTrailing(p, price, pol.TrailingPct) {
		return domain.ExitTrailing
	}

	// 6. Time limits: stale positions with no profit go first; very old
	// positions go unconditionally.
	age := p.Age(now)
	if pol.MaxHoldHard > 0 && age > pol.MaxHoldHard {
		return domain.ExitTimeLimit
	}
	if pol.MaxHold > 0 && age > pol.MaxHold && pnl <= 0 {
		return domain.ExitTimeLimit
	}

	return domain.ExitHold
}

func stopHit(p *domain.Position, price float64) bool {
	switch p.Side {
	case domain.SideLong:
		return price <= p.StopLoss
	case domain.SideShort:
		return price >= p.StopLoss
	}
	return false
}

func targetHit(p *domain.Position, price float64) bool {
	switch p.Side {
	case domain.SideLong:
		return price >= p.TakeProfit
	case domain.SideShort:
		return price <= p.TakeProfit
	}
	return false
}

// updateTrailing ratchets the position's favorable extreme and trailing stop
// price, and reports whether the retracement from that extreme exceeds
// trailingPct. The extreme never retreats.
func updateTrailing(p *domain.Position, price float64, trailingPct float64) bool {
	if trailingPct <= 0 {
		return false
	}

	switch p.Side {
	case domain.SideLong:
		if price > p.HighestPrice {
			p.HighestPrice = price
			p.TrailingStopPrice = price * (1 - trailingPct)
		}
		if p.HighestPrice <= 0 {
			return false
		}
		return (p.HighestPrice-price)/p.HighestPrice >= trailingPct

	case domain.SideShort:
		if p.LowestPrice == 0 || price < p.LowestPrice {
			p.LowestPrice = price
			p.TrailingStopPrice = price * (1 + trailingPct)
		}
		if p.LowestPrice <= 0 {
			return false
		}
		return (price-p.LowestPrice)/p.LowestPrice >= trailingPct
	}
	return false
}
