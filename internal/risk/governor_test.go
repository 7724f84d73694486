package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
)

func testPolicy() Policy {
	return Policy{
		EmergencyLossPct: 0.10,
		StepTriggerPct:   0.03,
		SteppedTPPct:     0.08,
		TrailingPct:      0.03,
		MaxHold:          48 * time.Hour,
		MaxHoldHard:      168 * time.Hour,
	}
}

func longPosition(entry, stop, target float64) *domain.Position {
	return &domain.Position{
		AccountID:  "acct-1",
		Symbol:     "BTC-USD",
		Side:       domain.SideLong,
		EntryPrice: entry,
		Quantity:   1,
		SizeUSD:    entry,
		StopLoss:   stop,
		TakeProfit: target,
		Status:     domain.PositionOpen,
		Source:     domain.SourceStrategy,
		OpenedAt:   time.Now().Add(-time.Hour),
	}
}

func TestEvaluate_SteppedTakeProfitPath(t *testing.T) {
	t.Parallel()

	// entry=100, base TP 5% (105), step trigger 3%, stepped TP 8% (108).
	p := longPosition(100, 95, 105)
	pol := testPolicy()
	now := time.Now()

	path := []float64{100, 101, 102, 103, 104, 105}
	for _, price := range path {
		reason := Evaluate(p, price, pol, now)
		require.Equal(t, domain.ExitHold, reason, "no exit may fire at price %.0f", price)
	}

	// The 3% move at 103 escalated the target to 108 and latched the flag,
	// so 105 no longer takes profit.
	assert.True(t, p.TPStepped)
	assert.InDelta(t, 108, p.TakeProfit, 1e-9)

	// Invariant survives the mutation.
	require.NoError(t, p.Validate())
}

func TestEvaluate_SteppedTPFiresOnlyOnce(t *testing.T) {
	t.Parallel()

	p := longPosition(100, 95, 105)
	pol := testPolicy()
	now := time.Now()

	require.Equal(t, domain.ExitHold, Evaluate(p, 103, pol, now))
	first := p.TakeProfit

	// Further favorable moves must not escalate again.
	require.Equal(t, domain.ExitHold, Evaluate(p, 106, pol, now))
	assert.Equal(t, first, p.TakeProfit)

	// And the escalated target eventually exits.
	assert.Equal(t, domain.ExitTakeProfit, Evaluate(p, 108, pol, now))
}

func TestEvaluate_EmergencyBeforeStopLoss(t *testing.T) {
	t.Parallel()

	// entry=100, stop=95, emergency at -10%: price 89 is both below the
	// stop and past the emergency threshold; emergency must win.
	p := longPosition(100, 95, 105)
	reason := Evaluate(p, 89, testPolicy(), time.Now())

	assert.Equal(t, domain.ExitEmergency, reason)
}

func TestEvaluate_StopLoss(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		side  domain.Side
		pos   *domain.Position
		price float64
		want  domain.ExitReason
	}{
		{
			name: "long stop hit",
			pos:  longPosition(100, 95, 105), price: 95,
			want: domain.ExitStopLoss,
		},
		{
			name: "long above stop holds",
			pos:  longPosition(100, 95, 105), price: 96,
			want: domain.ExitHold,
		},
		{
			name: "short stop hit",
			pos: &domain.Position{
				Side: domain.SideShort, EntryPrice: 100, Quantity: 1,
				StopLoss: 105, TakeProfit: 95,
				OpenedAt: time.Now().Add(-time.Hour),
			},
			price: 105,
			want:  domain.ExitStopLoss,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Evaluate(tt.pos, tt.price, testPolicy(), time.Now()))
		})
	}
}

func TestEvaluate_TrailingStop(t *testing.T) {
	t.Parallel()

	p := longPosition(100, 95, 200) // target far away so trailing can act
	pol := testPolicy()
	pol.StepTriggerPct = 0 // isolate the trailing check
	now := time.Now()

	// Ride up to 110.
	for _, price := range []float64{102, 105, 110} {
		require.Equal(t, domain.ExitHold, Evaluate(p, price, pol, now))
	}
	assert.InDelta(t, 110, p.HighestPrice, 1e-9)
	assert.InDelta(t, 110*0.97, p.TrailingStopPrice, 1e-9)

	// Retrace less than 3%: hold, and the extreme does not retreat.
	require.Equal(t, domain.ExitHold, Evaluate(p, 108, pol, now))
	assert.InDelta(t, 110, p.HighestPrice, 1e-9)

	// Retrace past 3% of the extreme: exit.
	assert.Equal(t, domain.ExitTrailing, Evaluate(p, 106.5, pol, now))
}

func TestEvaluate_ShortTrailingStop(t *testing.T) {
	t.Parallel()

	p := &domain.Position{
		Side: domain.SideShort, EntryPrice: 100, Quantity: 1,
		StopLoss: 120, TakeProfit: 50,
		OpenedAt: time.Now().Add(-time.Hour),
	}
	pol := testPolicy()
	pol.StepTriggerPct = 0
	now := time.Now()

	for _, price := range []float64{95, 92, 90} {
		require.Equal(t, domain.ExitHold, Evaluate(p, price, pol, now))
	}
	assert.InDelta(t, 90, p.LowestPrice, 1e-9)

	// Bounce past 3% off the low.
	assert.Equal(t, domain.ExitTrailing, Evaluate(p, 92.8, pol, now))
}

func TestEvaluate_TimeLimits(t *testing.T) {
	t.Parallel()

	pol := testPolicy()
	now := time.Now()

	// Stale and unprofitable: soft limit exits.
	stale := longPosition(100, 95, 105)
	stale.OpenedAt = now.Add(-49 * time.Hour)
	assert.Equal(t, domain.ExitTimeLimit, Evaluate(stale, 99, pol, now))

	// Stale but profitable: soft limit does not fire.
	winner := longPosition(100, 95, 200)
	winner.OpenedAt = now.Add(-49 * time.Hour)
	winner.TPStepped = true // keep the step escalation out of the way
	assert.Equal(t, domain.ExitHold, Evaluate(winner, 101, pol, now))

	// Ancient: hard limit exits regardless of profit.
	ancient := longPosition(100, 95, 200)
	ancient.OpenedAt = now.Add(-169 * time.Hour)
	ancient.TPStepped = true
	assert.Equal(t, domain.ExitTimeLimit, Evaluate(ancient, 101, pol, now))
}

func TestEvaluate_ZeroPriceHolds(t *testing.T) {
	t.Parallel()

	p := longPosition(100, 95, 105)
	assert.Equal(t, domain.ExitHold, Evaluate(p, 0, testPolicy(), time.Now()))
}
