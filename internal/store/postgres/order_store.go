package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL. Orders are
// diagnostic records of submission attempt series, keyed by client order ID.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

var _ domain.OrderStore = (*OrderStore)(nil)

// Create inserts a new order record.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			client_order_id, account_id, symbol, side, size, size_type,
			status, attempt_count, last_error, created_at, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (client_order_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		o.ClientOrderID, o.AccountID, o.Symbol, string(o.Side), o.Size,
		string(o.SizeType), string(o.Status), o.AttemptCount, o.LastError,
		o.CreatedAt, o.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// Update replaces the mutable fields of an order record.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE orders SET
			status        = $2,
			attempt_count = $3,
			last_error    = $4,
			filled_at     = $5
		WHERE client_order_id = $1`

	tag, err := s.pool.Exec(ctx, query,
		o.ClientOrderID, string(o.Status), o.AttemptCount, o.LastError, o.FilledAt)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ClientOrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get retrieves an order by its client order ID.
func (s *OrderStore) Get(ctx context.Context, clientOrderID string) (domain.Order, error) {
	var o domain.Order
	var side, sizeType, status string

	err := s.pool.QueryRow(ctx,
		`SELECT client_order_id, account_id, symbol, side, size, size_type,
		        status, attempt_count, last_error, created_at, filled_at
		 FROM orders WHERE client_order_id = $1`, clientOrderID,
	).Scan(
		&o.ClientOrderID, &o.AccountID, &o.Symbol, &side, &o.Size, &sizeType,
		&status, &o.AttemptCount, &o.LastError, &o.CreatedAt, &o.FilledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", clientOrderID, err)
	}
	o.Side = domain.OrderSide(side)
	o.SizeType = domain.SizeType(sizeType)
	o.Status = domain.OrderStatus(status)
	return o, nil
}
