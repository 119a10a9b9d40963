// Package store persists processed orders in Postgres. The unique index on
// the business order id is the durable idempotency guarantee behind the
// advisory Redis lock: replays insert nothing.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rodframeh/data-enriched-orders/internal/models"
)

// ErrNotFound reports that no order matches the lookup.
var ErrNotFound = errors.New("order not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveOrder inserts the order, assigning a fresh storage id and timestamp
// when absent. A replay of an already-persisted business order id leaves the
// stored row untouched and reports created=false.
func (s *Store) SaveOrder(ctx context.Context, order *models.Order) (bool, error) {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return false, fmt.Errorf("marshal items: %w", err)
	}
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, order_id, customer_id, items, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO NOTHING
	`, order.ID, order.OrderID, order.CustomerID, itemsJSON, order.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByOrderID fetches an order by its business order id. Absence is
// reported as ErrNotFound.
func (s *Store) GetByOrderID(ctx context.Context, orderID string) (models.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, order_id, customer_id, items, created_at
		FROM orders WHERE order_id = $1
	`, orderID)
	return scanOrder(row)
}

// ListByCustomer returns the customer's orders, oldest first.
func (s *Store) ListByCustomer(ctx context.Context, customerID string) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, customer_id, items, created_at
		FROM orders WHERE customer_id = $1
		ORDER BY created_at
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

func scanOrder(row pgx.Row) (models.Order, error) {
	var order models.Order
	var itemsJSON []byte
	if err := row.Scan(&order.ID, &order.OrderID, &order.CustomerID, &itemsJSON, &order.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, ErrNotFound
		}
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}
	if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
		return models.Order{}, fmt.Errorf("unmarshal items: %w", err)
	}
	return order, nil
}
