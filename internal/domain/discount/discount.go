package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported discount strategies.
type Type string

const (
	// TypePercentage applies a percentage-based discount to the subtotal.
	TypePercentage Type = "percentage"
	// TypeFixed applies a fixed monetary discount capped at the subtotal.
	TypeFixed Type = "fixed"
	// TypeFreeLowest removes the cost of the cheapest item in the cart.
	TypeFreeLowest Type = "free_lowest"
)

var (
	// ErrNotFound is returned when a discount does not exist. At fulfillment
	// time this is a warning, never fatal: the payment has already succeeded
	// and must not be rolled back for a missing discount record.
	ErrNotFound = errors.New("discount not found")
	// ErrInvalid is returned at checkout when a code is unknown or the cart
	// does not satisfy the rule's minimum item requirement.
	ErrInvalid = errors.New("invalid discount code")
	// ErrExpired is returned when a discount is outside its validity window.
	ErrExpired = errors.New("discount expired")
	// ErrUsageLimitReached is returned when a discount has exhausted its
	// allowed uses.
	ErrUsageLimitReached = errors.New("discount usage limit reached")
)

// Rule defines a discount's behaviour and eligibility constraints. UsedCount
// is mutated only through Tracker.IncrementUsage, once per fulfilled order.
type Rule struct {
	ID          string
	Code        string
	Type        Type
	Value       decimal.Decimal
	MinItems    int
	MaxUses     int
	UsedCount   int
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	Description string
}

// Applied holds the computed discount amount and a human-readable description.
type Applied struct {
	Amount      decimal.Decimal
	Description string
}

// Item represents a cart line item for discount calculation purposes.
type Item struct {
	ProductID string
	Price     decimal.Decimal
	Quantity  int
}

// Repository provides lookup of discount rules.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Rule, error)
	GetByID(ctx context.Context, id string) (*Rule, error)
}

// Tracker increments a discount's usage counter. Implementations must use an
// atomic read-modify-write scoped to the single discount row: concurrent
// increments from unrelated orders must all be reflected.
type Tracker interface {
	IncrementUsage(ctx context.Context, discountID string) error
}
