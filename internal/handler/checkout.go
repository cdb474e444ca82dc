package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/feastly/fulfillment/internal/checkout"
	"github.com/feastly/fulfillment/internal/domain/discount"
	"github.com/feastly/fulfillment/internal/psp"
)

type checkoutRequest struct {
	CustomerID   string         `json:"customerId,omitempty"`
	Items        []checkoutItem `json:"items"`
	DiscountCode string         `json:"discountCode,omitempty"`
}

type checkoutItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

type checkoutResponse struct {
	OrderID     string          `json:"orderId"`
	SessionID   string          `json:"sessionId"`
	CheckoutURL string          `json:"checkoutUrl"`
	Total       decimal.Decimal `json:"total"`
}

// Checkout creates a pending order and a hosted payment session for it.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req checkoutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}

	items := make([]checkout.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = checkout.Item{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     it.Price,
			Quantity:  it.Quantity,
		}
	}

	result, err := h.checkout.Start(ctx, checkout.StartRequest{
		CustomerID:   req.CustomerID,
		Items:        items,
		DiscountCode: req.DiscountCode,
	})
	if err != nil {
		h.checkoutError(w, r, err)
		return
	}

	respondJSON(ctx, w, http.StatusCreated, checkoutResponse{
		OrderID:     result.Order.ID,
		SessionID:   result.SessionID,
		CheckoutURL: result.CheckoutURL,
		Total:       result.Order.TotalAmount,
	})
}

func (h *Handler) checkoutError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var invalidQty *checkout.InvalidQuantityError
	switch {
	case errors.Is(err, checkout.ErrEmptyItems):
		respondError(ctx, w, http.StatusBadRequest, "items required")
	case errors.As(err, &invalidQty):
		respondError(ctx, w, http.StatusBadRequest, invalidQty.Error())
	case errors.Is(err, discount.ErrNotFound):
		respondError(ctx, w, http.StatusNotFound, "discount code not found")
	case errors.Is(err, discount.ErrExpired):
		respondError(ctx, w, http.StatusUnprocessableEntity, "discount code expired")
	case errors.Is(err, discount.ErrUsageLimitReached):
		respondError(ctx, w, http.StatusUnprocessableEntity, "discount usage limit reached")
	case errors.Is(err, discount.ErrInvalid):
		respondError(ctx, w, http.StatusUnprocessableEntity, "discount not applicable")
	case errors.Is(err, psp.ErrNotConfigured):
		zctx.From(ctx).Error("checkout rejected, payment provider not configured")
		respondError(ctx, w, http.StatusServiceUnavailable, "payments unavailable")
	default:
		zctx.From(ctx).Error("start checkout", zap.Error(err))
		respondError(ctx, w, http.StatusInternalServerError, "checkout failed")
	}
}
