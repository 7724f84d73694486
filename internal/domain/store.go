package domain

import (
	"context"
	"io"
	"time"
)

// PositionStore persists positions. The ledger flushes every mutation
// through this interface before acknowledging it: losing track of an open
// position means capital is silently un-managed.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Get(ctx context.Context, accountID, symbol string) (Position, error)
	GetOpen(ctx context.Context, accountID string) ([]Position, error)
	Delete(ctx context.Context, accountID, symbol string) error
}

// NonceStore persists the last emitted nonce per account. The value must be
// durable before the nonce is used in a request that could succeed.
type NonceStore interface {
	Save(ctx context.Context, accountID string, lastEmitted int64) error
	// Load returns ErrNotFound when no nonce has been persisted yet.
	Load(ctx context.Context, accountID string) (int64, error)
}

// TradeStore persists completed round trips.
type TradeStore interface {
	Insert(ctx context.Context, trade Trade) error
	ListRecent(ctx context.Context, accountID string, limit int) ([]Trade, error)
	// ListBefore returns all trades closed strictly before the cutoff, for
	// archival.
	ListBefore(ctx context.Context, before time.Time) ([]Trade, error)
	// DeleteBefore removes archived trades, returning how many were deleted.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// OrderStore persists order submission records.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	Update(ctx context.Context, order Order) error
	Get(ctx context.Context, clientOrderID string) (Order, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// PriceCache provides fast access to the latest mark prices.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// AccountLock provides cross-process locking per account, guarding against
// two bot instances initializing the same account's nonce state.
type AccountLock interface {
	Acquire(ctx context.Context, accountID string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter bounds request rates per key across processes.
type RateLimiter interface {
	// Allow reports whether a request for the key is permitted under the
	// limit for the window, counting it if so.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver moves aged records out of the primary store into blob storage.
type Archiver interface {
	ArchiveTrades(ctx context.Context, before time.Time) (int64, error)
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}
