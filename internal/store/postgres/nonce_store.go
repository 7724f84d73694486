package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// NonceStore implements domain.NonceStore using PostgreSQL. One row per
// account holds the highest nonce ever emitted.
type NonceStore struct {
	pool *pgxpool.Pool
}

// NewNonceStore creates a NonceStore backed by the given pool.
func NewNonceStore(pool *pgxpool.Pool) *NonceStore {
	return &NonceStore{pool: pool}
}

var _ domain.NonceStore = (*NonceStore)(nil)

// Save persists the last emitted nonce. GREATEST guards against an older
// value ever overwriting a newer one, even if writes race across processes.
func (s *NonceStore) Save(ctx context.Context, accountID string, lastEmitted int64) error {
	const query = `
		INSERT INTO nonces (account_id, last_emitted, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			last_emitted = GREATEST(nonces.last_emitted, EXCLUDED.last_emitted),
			updated_at   = NOW()`

	if _, err := s.pool.Exec(ctx, query, accountID, lastEmitted); err != nil {
		return fmt.Errorf("postgres: save nonce %s: %w", accountID, err)
	}
	return nil
}

// Load returns the persisted nonce for the account, or ErrNotFound.
func (s *NonceStore) Load(ctx context.Context, accountID string) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_emitted FROM nonces WHERE account_id = $1`, accountID,
	).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: load nonce %s: %w", accountID, err)
	}
	return last, nil
}
