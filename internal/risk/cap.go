package risk

import (
	"sort"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// EnforcePositionCap bounds the number of open positions for one account.
// When the count exceeds maxPositions, the positions with the largest USD
// size are kept and the remainder are returned for forced liquidation,
// smallest first, so the account's largest bets are preserved.
func EnforcePositionCap(positions []domain.Position, maxPositions int) (keep, liquidate []domain.Position) {
	if maxPositions <= 0 || len(positions) <= maxPositions {
		return positions, nil
	}

	sorted := make([]domain.Position, len(positions))
	copy(sorted, positions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SizeUSD > sorted[j].SizeUSD
	})

	keep = sorted[:maxPositions]
	liquidate = sorted[maxPositions:]

	// Liquidate smallest first.
	sort.SliceStable(liquidate, func(i, j int) bool {
		return liquidate[i].SizeUSD < liquidate[j].SizeUSD
	})

	return keep, liquidate
}
