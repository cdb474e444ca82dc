// Package handler exposes the HTTP surface of the fulfillment service: the
// provider webhook endpoint, the confirmation lookup for the browser
// redirect, and checkout-session creation.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/feastly/fulfillment/internal/checkout"
	"github.com/feastly/fulfillment/internal/dedup"
	"github.com/feastly/fulfillment/internal/domain/order"
	"github.com/feastly/fulfillment/internal/psp"
)

// DeliveryLog records inbound webhook deliveries for operator forensics.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, provider, eventID, eventType, orderID string) (bool, error)
}

// Handler holds the HTTP endpoints and their dependencies.
type Handler struct {
	verifier    psp.Verifier
	fulfillment *order.Fulfillment
	resolver    *order.Resolver
	checkout    *checkout.Service
	dedup       dedup.Deduper
	deliveries  DeliveryLog
}

// NewHandler constructs a Handler. dedup and deliveries may be dedup.Nop and
// nil respectively; both are best-effort layers in front of the order guard.
func NewHandler(
	verifier psp.Verifier,
	fulfillment *order.Fulfillment,
	resolver *order.Resolver,
	checkoutSvc *checkout.Service,
	deduper dedup.Deduper,
	deliveries DeliveryLog,
) *Handler {
	if deduper == nil {
		deduper = dedup.Nop{}
	}
	return &Handler{
		verifier:    verifier,
		fulfillment: fulfillment,
		resolver:    resolver,
		checkout:    checkoutSvc,
		dedup:       deduper,
		deliveries:  deliveries,
	}
}

// Register attaches all routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/stripe", h.Webhook)
	mux.HandleFunc("GET /orders/confirmation", h.Confirmation)
	mux.HandleFunc("POST /checkout", h.Checkout)
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zctx.From(ctx).Warn("write response", zap.Error(err))
	}
}

func respondError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	respondJSON(ctx, w, status, errorResponse{Code: status, Message: message})
}
