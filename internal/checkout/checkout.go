// Package checkout owns the server side of starting a hosted checkout: the
// order is pre-created in pending state and the provider session is stamped
// with the order id. The webhook path depends on both halves — the order must
// exist before payment begins, and the metadata stamp is how the event finds
// its way back to the order.
package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/feastly/fulfillment/internal/domain/discount"
	"github.com/feastly/fulfillment/internal/domain/order"
	"github.com/feastly/fulfillment/internal/psp"
)

// Sentinel errors for checkout validation.
var ErrEmptyItems = errors.New("items required")

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// Item is a priced cart line forwarded by the storefront. Catalog lookups and
// price resolution happen upstream.
type Item struct {
	ProductID string
	Name      string
	Price     decimal.Decimal
	Quantity  int
}

// StartRequest holds the input for starting a checkout.
type StartRequest struct {
	CustomerID   string
	Items        []Item
	DiscountCode string
}

// StartResult holds the created order and the hosted checkout session the
// client should be redirected to.
type StartResult struct {
	Order       *order.Order
	CheckoutURL string
	SessionID   string
}

// Config holds non-dependency settings for the checkout service.
type Config struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

// Service creates pending orders and their provider checkout sessions.
type Service struct {
	cfg       Config
	orders    order.Repository
	discounts discount.Validator
	provider  psp.Client
	now       func() time.Time
}

// NewService creates a checkout Service with the required dependencies.
func NewService(cfg Config, orders order.Repository, discounts discount.Validator, provider psp.Client) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Service{
		cfg:       cfg,
		orders:    orders,
		discounts: discounts,
		provider:  provider,
		now:       time.Now,
	}
}

// Start validates the cart, applies an optional discount, persists a pending
// order, and creates the provider session referencing it.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}

	subtotal := decimal.Zero
	discountItems := make([]discount.Item, len(req.Items))
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
		qty := decimal.NewFromInt(int64(item.Quantity))
		subtotal = subtotal.Add(item.Price.Mul(qty))
		discountItems[i] = discount.Item{
			ProductID: item.ProductID,
			Price:     item.Price,
			Quantity:  item.Quantity,
		}
	}

	discountID := ""
	discountAmount := decimal.Zero
	if req.DiscountCode != "" {
		rule, applied, err := s.discounts.Validate(ctx, req.DiscountCode, discountItems)
		if err != nil {
			return nil, errors.Wrap(err, "validate discount")
		}
		discountID = rule.ID
		discountAmount = applied.Amount
	}

	total := subtotal.Sub(discountAmount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	total = total.Round(2)

	now := s.now()
	o := &order.Order{
		ID:                uuid.New().String(),
		Status:            order.StatusPending,
		PaymentStatus:     order.PaymentPending,
		AppliedDiscountID: discountID,
		CustomerID:        req.CustomerID,
		TotalAmount:       total,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	sess, err := s.provider.CreateSession(ctx, psp.SessionParams{
		OrderID:     o.ID,
		Amount:      total,
		Currency:    s.cfg.Currency,
		Description: orderDescription(req.Items),
		SuccessURL:  s.cfg.SuccessURL,
		CancelURL:   s.cfg.CancelURL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create checkout session")
	}

	if err := s.orders.SetSessionID(ctx, o.ID, sess.ID); err != nil {
		return nil, errors.Wrap(err, "link session to order")
	}
	o.PSPRef.CheckoutSessionID = sess.ID

	return &StartResult{
		Order:       o,
		CheckoutURL: sess.URL,
		SessionID:   sess.ID,
	}, nil
}

func orderDescription(items []Item) string {
	count := 0
	for _, it := range items {
		count += it.Quantity
	}
	if count == 1 {
		return "Feastly order (1 item)"
	}
	return fmt.Sprintf("Feastly order (%d items)", count)
}
