package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/feastly/fulfillment/internal/domain/customer"
)

const (
	getCustomerSQL = `SELECT id, email, total_orders, total_spend, last_order_date
		FROM customers WHERE id = $1`

	// Count and spend are incremented in the same statement, so concurrent
	// fulfillments for one customer serialize on the row and neither update
	// is lost.
	recordCompletionSQL = `UPDATE customers
		SET total_orders = total_orders + 1,
			total_spend = total_spend + $2,
			last_order_date = $3
		WHERE id = $1`

	upsertCustomerSQL = `INSERT INTO customers (id, email) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email`
)

var (
	_ customer.Repository = (*CustomerRepository)(nil)
	_ customer.Aggregates = (*CustomerRepository)(nil)
)

// CustomerRepository implements customer.Repository and customer.Aggregates
// backed by PostgreSQL.
type CustomerRepository struct {
	pool *pgxpool.Pool
}

// NewCustomerRepository returns a CustomerRepository that uses the given pool.
func NewCustomerRepository(pool *pgxpool.Pool) *CustomerRepository {
	return &CustomerRepository{pool: pool}
}

// GetByID fetches a customer record.
func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*customer.Customer, error) {
	rows, err := r.pool.Query(ctx, getCustomerSQL, id)
	if err != nil {
		return nil, fmt.Errorf("querying customer %q: %w", id, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCustomer)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, customer.ErrNotFound
		}
		return nil, fmt.Errorf("querying customer %q: %w", id, err)
	}
	return c, nil
}

// RecordOrderCompletion bumps the customer's running totals for a fulfilled
// order. last_order_date is the fulfillment time, not the creation time.
// Returns customer.ErrNotFound when no record exists; callers tolerate that
// for guest checkouts.
func (r *CustomerRepository) RecordOrderCompletion(ctx context.Context, customerID string, amount decimal.Decimal, paidAt time.Time) error {
	tag, err := r.pool.Exec(ctx, recordCompletionSQL, customerID, amount, paidAt)
	if err != nil {
		return fmt.Errorf("recording completion for customer %q: %w", customerID, err)
	}
	if tag.RowsAffected() == 0 {
		return customer.ErrNotFound
	}
	return nil
}

// Upsert writes a customer record, used by the seeding tool.
func (r *CustomerRepository) Upsert(ctx context.Context, id, email string) error {
	if _, err := r.pool.Exec(ctx, upsertCustomerSQL, id, email); err != nil {
		return fmt.Errorf("upserting customer %q: %w", id, err)
	}
	return nil
}

func scanCustomer(row pgx.CollectableRow) (*customer.Customer, error) {
	var (
		c           customer.Customer
		totalOrders int32
		totalSpend  decimal.Decimal
	)
	err := row.Scan(&c.ID, &c.Email, &totalOrders, &totalSpend, &c.LastOrderDate)
	if err != nil {
		return nil, err
	}
	c.TotalOrders = int(totalOrders)
	c.TotalSpend = totalSpend
	return &c, nil
}
