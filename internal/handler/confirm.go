package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feastly/fulfillment/internal/domain/order"
)

// confirmationResponse is the client-facing view of a confirmation lookup.
// Pending=true always means "keep polling"; it is never a failure signal.
type confirmationResponse struct {
	Found      bool       `json:"found"`
	Pending    bool       `json:"pending"`
	Reason     string     `json:"reason,omitempty"`
	RetryAfter int        `json:"retryAfterSeconds,omitempty"`
	Order      *orderView `json:"order,omitempty"`
}

type orderView struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"paymentStatus"`
	Total         decimal.Decimal `json:"total"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Confirmation resolves the post-redirect order state. The browser lands here
// with the checkout session id from the success URL; the webhook may or may
// not have arrived yet.
func (h *Handler) Confirmation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := r.URL.Query()
	sessionID := q.Get("session_id")
	orderID := q.Get("order_id")
	if sessionID == "" && orderID == "" {
		respondError(ctx, w, http.StatusBadRequest, "session_id or order_id required")
		return
	}

	conf, err := h.resolver.Resolve(ctx, sessionID, orderID)
	if err != nil {
		respondError(ctx, w, http.StatusInternalServerError, "confirmation lookup failed")
		return
	}

	resp := confirmationResponse{
		Found:   conf.Found,
		Pending: conf.Pending,
		Reason:  conf.Reason,
		Order:   viewOf(conf.Order),
	}

	if conf.Pending {
		// Hint the client's re-poll cadence; overall duration is the
		// client's call.
		secs := int(order.PollInterval / time.Second)
		resp.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	status := http.StatusOK
	if !conf.Found && !conf.Pending {
		status = http.StatusNotFound
	}
	respondJSON(ctx, w, status, resp)
}

func viewOf(o *order.Order) *orderView {
	if o == nil {
		return nil
	}
	return &orderView{
		ID:            o.ID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Total:         o.TotalAmount,
		PaidAt:        o.PaidAt,
		CreatedAt:     o.CreatedAt,
	}
}
