package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Positions
// are keyed by (account_id, symbol).
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionStore = (*PositionStore)(nil)

const positionSelectCols = `account_id, symbol, side, entry_price, quantity,
	size_usd, stop_loss, take_profit, trailing_stop, highest_price,
	lowest_price, tp_stepped, status, source, pending_order_id,
	unsellable_until, opened_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status, source string

	err := row.Scan(
		&p.AccountID, &p.Symbol, &side,
		&p.EntryPrice, &p.Quantity, &p.SizeUSD,
		&p.StopLoss, &p.TakeProfit, &p.TrailingStopPrice,
		&p.HighestPrice, &p.LowestPrice, &p.TPStepped,
		&status, &source, &p.PendingOrderID, &p.UnsellableUntil,
		&p.OpenedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.Source = domain.PositionSource(source)
	return p, nil
}

// Upsert inserts or replaces the position row for (account_id, symbol).
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			account_id, symbol, side, entry_price, quantity, size_usd,
			stop_loss, take_profit, trailing_stop, highest_price,
			lowest_price, tp_stepped, status, source, pending_order_id,
			unsellable_until, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, NOW()
		)
		ON CONFLICT (account_id, symbol) DO UPDATE SET
			side             = EXCLUDED.side,
			entry_price      = EXCLUDED.entry_price,
			quantity         = EXCLUDED.quantity,
			size_usd         = EXCLUDED.size_usd,
			stop_loss        = EXCLUDED.stop_loss,
			take_profit      = EXCLUDED.take_profit,
			trailing_stop    = EXCLUDED.trailing_stop,
			highest_price    = EXCLUDED.highest_price,
			lowest_price     = EXCLUDED.lowest_price,
			tp_stepped       = EXCLUDED.tp_stepped,
			status           = EXCLUDED.status,
			source           = EXCLUDED.source,
			pending_order_id = EXCLUDED.pending_order_id,
			unsellable_until = EXCLUDED.unsellable_until,
			opened_at        = EXCLUDED.opened_at,
			updated_at       = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.AccountID, p.Symbol, string(p.Side),
		p.EntryPrice, p.Quantity, p.SizeUSD,
		p.StopLoss, p.TakeProfit, p.TrailingStopPrice, p.HighestPrice,
		p.LowestPrice, p.TPStepped, string(p.Status), string(p.Source),
		p.PendingOrderID, p.UnsellableUntil, p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s: %w", p.AccountID, p.Symbol, err)
	}
	return nil
}

// Get retrieves one position.
func (s *PositionStore) Get(ctx context.Context, accountID, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE account_id = $1 AND symbol = $2`, accountID, symbol)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s: %w", accountID, symbol, err)
	}
	return p, nil
}

// GetOpen returns every non-closed position for the account.
func (s *PositionStore) GetOpen(ctx context.Context, accountID string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE account_id = $1 AND status <> 'closed'
		 ORDER BY opened_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open positions: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Delete removes the position row.
func (s *PositionStore) Delete(ctx context.Context, accountID, symbol string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE account_id = $1 AND symbol = $2`,
		accountID, symbol)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s/%s: %w", accountID, symbol, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
