package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
)

func posWithSize(symbol string, sizeUSD float64) domain.Position {
	return domain.Position{
		AccountID: "acct-1",
		Symbol:    symbol,
		Side:      domain.SideLong,
		SizeUSD:   sizeUSD,
		Status:    domain.PositionOpen,
	}
}

func TestEnforcePositionCap_KeepsLargest(t *testing.T) {
	t.Parallel()

	positions := []domain.Position{
		posWithSize("AAA-USD", 500),
		posWithSize("BBB-USD", 2000),
		posWithSize("CCC-USD", 100),
		posWithSize("DDD-USD", 1500),
		posWithSize("EEE-USD", 300),
	}

	keep, liquidate := EnforcePositionCap(positions, 3)

	require.Len(t, keep, 3)
	require.Len(t, liquidate, 2)

	kept := map[string]bool{}
	for _, p := range keep {
		kept[p.Symbol] = true
	}
	assert.True(t, kept["BBB-USD"])
	assert.True(t, kept["DDD-USD"])
	assert.True(t, kept["AAA-USD"])

	// Smallest positions liquidate first.
	assert.Equal(t, "CCC-USD", liquidate[0].Symbol)
	assert.Equal(t, "EEE-USD", liquidate[1].Symbol)
}

func TestEnforcePositionCap_UnderCapUntouched(t *testing.T) {
	t.Parallel()

	positions := []domain.Position{
		posWithSize("AAA-USD", 500),
		posWithSize("BBB-USD", 2000),
	}

	keep, liquidate := EnforcePositionCap(positions, 5)

	assert.Len(t, keep, 2)
	assert.Empty(t, liquidate)
}

func TestEnforcePositionCap_ZeroCapDisabled(t *testing.T) {
	t.Parallel()

	positions := []domain.Position{posWithSize("AAA-USD", 500)}
	keep, liquidate := EnforcePositionCap(positions, 0)

	assert.Len(t, keep, 1)
	assert.Empty(t, liquidate)
}

func TestEnforcePositionCap_ExactCap(t *testing.T) {
	t.Parallel()

	positions := []domain.Position{
		posWithSize("AAA-USD", 500),
		posWithSize("BBB-USD", 2000),
	}

	keep, liquidate := EnforcePositionCap(positions, 2)
	assert.Len(t, keep, 2)
	assert.Empty(t, liquidate)
}
