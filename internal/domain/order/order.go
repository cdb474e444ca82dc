package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the business lifecycle of an order.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusCanceled Status = "canceled"
)

// PaymentStatus is the payment-specific signal, distinct from Status. It is
// the idempotency guard: once it reaches PaymentPaid nothing may write it
// again.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// ErrNotFound is returned when no order exists for the given identifier.
var ErrNotFound = errors.New("order not found")

// PSPRef links an order to the payment provider's objects.
type PSPRef struct {
	CheckoutSessionID string
	PaymentIntentID   string
}

// Effect identifies a secondary effect of fulfillment, tracked per order so
// that operators can replay only the effects that are missing.
type Effect string

const (
	EffectDiscount     Effect = "discount"
	EffectCustomer     Effect = "customer"
	EffectConfirmation Effect = "confirmation"
)

// Order is the unit of consistency for payment confirmation. TotalAmount and
// AppliedDiscountID are immutable after creation; PaidAt is written exactly
// once, on the pending-to-paid transition.
type Order struct {
	ID                string
	Status            Status
	PaymentStatus     PaymentStatus
	PSPRef            PSPRef
	AppliedDiscountID string
	CustomerID        string
	TotalAmount       decimal.Decimal
	CreatedAt         time.Time
	PaidAt            *time.Time
	UpdatedAt         time.Time

	// Completion timestamps for secondary effects, nil until the effect ran.
	DiscountCountedAt  *time.Time
	CustomerCountedAt  *time.Time
	ConfirmationSentAt *time.Time
}

// EffectDone reports whether the given secondary effect already completed.
func (o *Order) EffectDone(e Effect) bool {
	switch e {
	case EffectDiscount:
		return o.DiscountCountedAt != nil
	case EffectCustomer:
		return o.CustomerCountedAt != nil
	case EffectConfirmation:
		return o.ConfirmationSentAt != nil
	}
	return false
}

// TransitionResult is the outcome of a guarded pending-to-paid transition.
// AlreadyPaid is a flag, not an error: redelivered webhooks hit it routinely.
type TransitionResult struct {
	AlreadyPaid bool
	Order       *Order
}

// Repository defines persistence operations for orders.
//
// TransitionToPaid must be atomic per order: a conditional write keyed on the
// previous payment status, so two concurrent calls for the same order id can
// never both observe a pending order. Calls for different orders are
// independent.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetBySessionID(ctx context.Context, sessionID string) (*Order, error)
	TransitionToPaid(ctx context.Context, orderID, paymentIntentID string) (*TransitionResult, error)
	// CancelIfPending cancels the order unless payment already succeeded.
	// Returns false when the order was not in a cancelable state.
	CancelIfPending(ctx context.Context, orderID string) (bool, error)
	MarkEffectDone(ctx context.Context, orderID string, effect Effect, at time.Time) error
	SetSessionID(ctx context.Context, orderID, sessionID string) error
}
