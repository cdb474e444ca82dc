package customer

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no customer record exists. Fulfillment treats
// it as a warning: guest checkouts may reference customers that were never
// materialized.
var ErrNotFound = errors.New("customer not found")

// Customer carries the running aggregates updated once per fulfilled order.
// Updates happen at fulfillment time, never at order creation, so abandoned
// or failed payments do not inflate the counters.
type Customer struct {
	ID            string
	Email         string
	TotalOrders   int
	TotalSpend    decimal.Decimal
	LastOrderDate *time.Time
}

// Aggregates updates a customer's running totals for a completed order.
// The order count and lifetime spend are incremented atomically in one write;
// LastOrderDate is set to the fulfillment time, not the order-creation time.
type Aggregates interface {
	RecordOrderCompletion(ctx context.Context, customerID string, amount decimal.Decimal, paidAt time.Time) error
}

// Repository provides read access to customer records.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Customer, error)
}
