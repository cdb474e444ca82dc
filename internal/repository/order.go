package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/feastly/fulfillment/internal/domain/order"
)

const orderColumns = `id, status, payment_status, checkout_session_id, payment_intent_id,
		applied_discount_id, customer_id, total_amount, created_at, paid_at, updated_at,
		discount_counted_at, customer_counted_at, confirmation_sent_at`

const (
	createOrderSQL = `INSERT INTO orders
		(id, status, payment_status, applied_discount_id, customer_id, total_amount, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $7)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderBySessionSQL = `SELECT ` + orderColumns + ` FROM orders WHERE checkout_session_id = $1`

	// The WHERE clause is the idempotency guard: the write only applies when
	// payment has not succeeded yet, so concurrent invocations for one order
	// can never both pass. paid_at is therefore written at most once.
	transitionToPaidSQL = `UPDATE orders
		SET payment_status = 'paid', status = 'paid',
			payment_intent_id = NULLIF($2, ''),
			paid_at = now(), updated_at = now()
		WHERE id = $1 AND payment_status <> 'paid'
		RETURNING ` + orderColumns

	cancelIfPendingSQL = `UPDATE orders
		SET status = 'canceled', payment_status = 'failed', updated_at = now()
		WHERE id = $1 AND payment_status = 'pending'`

	setSessionSQL = `UPDATE orders SET checkout_session_id = $2, updated_at = now() WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new pending order.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.pool.Exec(ctx, createOrderSQL,
		o.ID, string(o.Status), string(o.PaymentStatus),
		o.AppliedDiscountID, o.CustomerID, o.TotalAmount, createdAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// GetByID fetches an order by its identifier.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.getOne(ctx, getOrderSQL, id)
}

// GetBySessionID fetches an order through the checkout-session secondary
// index. This is the lookup path for the browser redirect, which only knows
// the session id.
func (r *OrderRepository) GetBySessionID(ctx context.Context, sessionID string) (*order.Order, error) {
	return r.getOne(ctx, getOrderBySessionSQL, sessionID)
}

// TransitionToPaid performs the guarded pending-to-paid transition as a
// single conditional UPDATE. When the guard does not match, the existing row
// is re-read to distinguish "already paid" (a flag, not an error) from a
// genuinely missing order.
func (r *OrderRepository) TransitionToPaid(ctx context.Context, orderID, paymentIntentID string) (*order.TransitionResult, error) {
	rows, err := r.pool.Query(ctx, transitionToPaidSQL, orderID, paymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("transitioning order %q: %w", orderID, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err == nil {
		return &order.TransitionResult{AlreadyPaid: false, Order: o}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transitioning order %q: %w", orderID, err)
	}

	existing, err := r.GetByID(ctx, orderID)
	if err != nil {
		// Propagates order.ErrNotFound for a missing row: payment began for
		// an order that was never pre-created.
		return nil, err
	}
	if existing.PaymentStatus != order.PaymentPaid {
		// The guard failed but the row is not paid: another writer changed
		// state between our UPDATE and re-read. Treat as transient.
		return nil, errors.Errorf("order %s in unexpected payment status %q", orderID, existing.PaymentStatus)
	}
	return &order.TransitionResult{AlreadyPaid: true, Order: existing}, nil
}

// CancelIfPending cancels an order whose payment never succeeded. Paid orders
// are untouched by the guard.
func (r *OrderRepository) CancelIfPending(ctx context.Context, orderID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, cancelIfPendingSQL, orderID)
	if err != nil {
		return false, fmt.Errorf("canceling order %q: %w", orderID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	if _, err := r.GetByID(ctx, orderID); err != nil {
		return false, err
	}
	return false, nil
}

// MarkEffectDone stamps a secondary effect's completion time. The stamp is
// written once; replays of an already-stamped effect are no-ops.
func (r *OrderRepository) MarkEffectDone(ctx context.Context, orderID string, effect order.Effect, at time.Time) error {
	var column string
	switch effect {
	case order.EffectDiscount:
		column = "discount_counted_at"
	case order.EffectCustomer:
		column = "customer_counted_at"
	case order.EffectConfirmation:
		column = "confirmation_sent_at"
	default:
		return errors.Errorf("unknown effect %q", effect)
	}

	sql := fmt.Sprintf(`UPDATE orders SET %s = $2, updated_at = now() WHERE id = $1 AND %s IS NULL`, column, column)
	if _, err := r.pool.Exec(ctx, sql, orderID, at); err != nil {
		return fmt.Errorf("marking effect %s on order %q: %w", effect, orderID, err)
	}
	return nil
}

// SetSessionID links a freshly created checkout session to its order.
func (r *OrderRepository) SetSessionID(ctx context.Context, orderID, sessionID string) error {
	tag, err := r.pool.Exec(ctx, setSessionSQL, orderID, sessionID)
	if err != nil {
		return fmt.Errorf("linking session to order %q: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) getOne(ctx context.Context, sql, arg string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("querying order: %w", err)
	}
	return o, nil
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o           order.Order
		status      string
		payStatus   string
		sessionID   *string
		intentID    *string
		discountID  *string
		customerID  *string
		totalAmount decimal.Decimal
	)
	err := row.Scan(
		&o.ID, &status, &payStatus, &sessionID, &intentID,
		&discountID, &customerID, &totalAmount, &o.CreatedAt, &o.PaidAt, &o.UpdatedAt,
		&o.DiscountCountedAt, &o.CustomerCountedAt, &o.ConfirmationSentAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(payStatus)
	o.TotalAmount = totalAmount
	if sessionID != nil {
		o.PSPRef.CheckoutSessionID = *sessionID
	}
	if intentID != nil {
		o.PSPRef.PaymentIntentID = *intentID
	}
	if discountID != nil {
		o.AppliedDiscountID = *discountID
	}
	if customerID != nil {
		o.CustomerID = *customerID
	}
	return &o, nil
}
