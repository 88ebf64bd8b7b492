package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/efreitasn/orderexec/internal/domain"
)

const createOrdersTable = `
CREATE TABLE IF NOT EXISTS orders (
	id             TEXT PRIMARY KEY,
	payload        JSONB NOT NULL,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	last_update    TIMESTAMPTZ NOT NULL DEFAULT now(),
	failure_reason TEXT,
	tx_hash        TEXT
)`

// PostgresOrderStore keeps orders in a Postgres "orders" table. The
// request fields are stored as a JSONB payload; status fields have their
// own columns.
type PostgresOrderStore struct {
	pool *pgxpool.Pool
}

// NewPostgresOrderStore connects to dsn and ensures the table exists.
func NewPostgresOrderStore(ctx context.Context, dsn string) (*PostgresOrderStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createOrdersTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create orders table: %w", err)
	}
	return &PostgresOrderStore{pool: pool}, nil
}

func (s *PostgresOrderStore) Close() error {
	s.pool.Close()
	return nil
}

// orderPayload is the immutable part of an order, stored as JSONB.
type orderPayload struct {
	ID                string  `json:"id"`
	TokenIn           string  `json:"tokenIn"`
	TokenOut          string  `json:"tokenOut"`
	Amount            float64 `json:"amount"`
	SlippageTolerance float64 `json:"slippageTolerance"`
}

// Insert persists a new order.
func (s *PostgresOrderStore) Insert(ctx context.Context, o *domain.Order) error {
	payload, err := json.Marshal(orderPayload{
		ID:                o.ID,
		TokenIn:           o.TokenIn,
		TokenOut:          o.TokenOut,
		Amount:            o.Amount,
		SlippageTolerance: o.SlippageTolerance,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, payload, status, created_at, attempts, last_update)
		VALUES ($1, $2, $3, $4, $5, $4)
		ON CONFLICT (id) DO NOTHING
	`, o.ID, payload, string(o.Status), o.CreatedAt, o.Attempts)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicateOrder
	}
	return nil
}

// UpdateStatus overwrites the status fields of an order. The attempt
// counter never decreases, and a confirmed or failed order only accepts its
// own status again.
func (s *PostgresOrderStore) UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		   SET status         = $2,
		       attempts       = GREATEST(attempts, $3),
		       failure_reason = NULLIF($4, ''),
		       tx_hash        = NULLIF($5, ''),
		       last_update    = now()
		 WHERE id = $1
		   AND (status NOT IN ('confirmed', 'failed') OR status = $2)
	`, id, string(u.Status), u.Attempts, u.FailureReason, u.SettlementRef)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check order: %w", err)
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrInvalidTransition
}

// Get reads an order.
func (s *PostgresOrderStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	var (
		payload       []byte
		o             domain.Order
		status        string
		failureReason *string
		txHash        *string
	)
	row := s.pool.QueryRow(ctx, `
		SELECT payload, status, created_at, attempts, last_update, failure_reason, tx_hash
		FROM orders
		WHERE id = $1
	`, id)
	err := row.Scan(&payload, &status, &o.CreatedAt, &o.Attempts, &o.UpdatedAt, &failureReason, &txHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	var p orderPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	o.ID = id
	o.TokenIn = p.TokenIn
	o.TokenOut = p.TokenOut
	o.Amount = p.Amount
	o.SlippageTolerance = p.SlippageTolerance
	o.Status = domain.OrderStatus(status)
	if failureReason != nil {
		o.FailureReason = *failureReason
	}
	if txHash != nil {
		o.SettlementRef = *txHash
	}
	return &o, nil
}
