package domain

import "time"

// Trade is one completed round trip: a position that has been closed with a
// filled exit order. Trades are append-only history and feed reporting and
// the archival pipeline.
type Trade struct {
	ID         string
	AccountID  string
	Symbol     string
	Side       Side
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	SizeUSD    float64
	PnLUSD     float64
	Reason     ExitReason
	Source     PositionSource
	OpenedAt   time.Time
	ClosedAt   time.Time
}
