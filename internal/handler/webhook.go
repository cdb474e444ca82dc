package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/feastly/fulfillment/internal/domain/order"
	"github.com/feastly/fulfillment/internal/psp"
)

// maxWebhookBody bounds the raw payload read. Stripe events fit comfortably;
// anything larger is hostile.
const maxWebhookBody = 64 << 10

// webhookResponse acknowledges a delivery. Outcome distinguishes "handled"
// from "intentionally absorbed" in provider delivery logs.
type webhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// Webhook ingests provider events.
//
// Response policy: 2xx for handled or intentionally ignored, 4xx for payloads
// that can never succeed on retry (bad signature, missing order reference),
// 5xx only for transient failures where the provider's redelivery is wanted —
// redelivery is safe because the transition guard makes it idempotent.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	// Signature verification needs the exact raw bytes; nothing may parse or
	// re-serialize the body before this point.
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(ctx, w, http.StatusBadRequest, "unreadable body")
		return
	}

	evt, err := h.verifier.VerifyAndParse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, psp.ErrNotConfigured):
			// Fail closed: without a signing secret no event is trusted.
			lg.Error("webhook rejected, no signing secret configured")
			respondError(ctx, w, http.StatusServiceUnavailable, "webhook not configured")
		case errors.Is(err, psp.ErrBadSignature):
			lg.Warn("webhook signature verification failed", zap.Error(err))
			respondError(ctx, w, http.StatusBadRequest, "invalid signature")
		default:
			lg.Warn("webhook payload rejected", zap.Error(err))
			respondError(ctx, w, http.StatusBadRequest, "malformed event")
		}
		return
	}

	// Audit first: a redelivery is exactly the kind of event forensics wants
	// to see, so it must be recorded before any suppression.
	h.recordDelivery(r, evt)

	// Best-effort duplicate suppression. A miss here is harmless: the order
	// repository's conditional transition is the real guard. Only deliveries
	// that were answered with a success are ever in here (see markHandled),
	// so the provider's retry of a failed delivery is never swallowed.
	if seen, err := h.dedup.Seen(ctx, evt.EventID()); err != nil {
		lg.Warn("dedup check failed, continuing", zap.Error(err))
	} else if seen {
		lg.Info("duplicate webhook delivery suppressed",
			zap.String("event_id", evt.EventID()),
			zap.String("event_type", evt.Kind()),
		)
		respondJSON(ctx, w, http.StatusOK, webhookResponse{Received: true, Outcome: "duplicate"})
		return
	}

	switch e := evt.(type) {
	case psp.SessionCompleted:
		h.handleSessionCompleted(w, r, e)

	case psp.SessionExpired:
		if err := h.fulfillment.HandleSessionExpired(ctx, e); err != nil {
			if errors.Is(err, order.ErrNoOrderRef) {
				lg.Error("expired-session event carries no order id",
					zap.String("event_id", e.ID),
					zap.String("session_id", e.SessionID),
				)
				respondError(ctx, w, http.StatusBadRequest, "missing order reference")
				return
			}
			lg.Error("handle session expired", zap.Error(err))
			respondError(ctx, w, http.StatusInternalServerError, "transient failure")
			return
		}
		h.markHandled(ctx, e.ID)
		respondJSON(ctx, w, http.StatusOK, webhookResponse{Received: true, Outcome: "handled"})

	case psp.Unknown:
		// Forward compatible: unknown event types are acknowledged, never
		// failed, so new provider events cannot cause retry storms.
		lg.Info("ignoring unhandled webhook event type",
			zap.String("event_id", e.ID),
			zap.String("event_type", e.Type),
		)
		h.markHandled(ctx, e.ID)
		respondJSON(ctx, w, http.StatusOK, webhookResponse{Received: true, Outcome: "ignored"})

	default:
		respondJSON(ctx, w, http.StatusOK, webhookResponse{Received: true, Outcome: "ignored"})
	}
}

func (h *Handler) handleSessionCompleted(w http.ResponseWriter, r *http.Request, e psp.SessionCompleted) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	if e.Session.OrderID == "" {
		// Structural protocol violation: the checkout flow failed to stamp
		// the order id. Retrying this payload can never succeed.
		lg.Error("session-completed event carries no order id in metadata",
			zap.String("event_id", e.ID),
			zap.String("session_id", e.Session.ID),
		)
		respondError(ctx, w, http.StatusBadRequest, "missing order reference")
		return
	}

	result, err := h.fulfillment.HandleSessionCompleted(ctx, e)
	if err != nil {
		if errors.Is(err, order.ErrNoOrderRef) {
			respondError(ctx, w, http.StatusBadRequest, "missing order reference")
			return
		}
		// Transient: the transition did not commit. Let the provider retry.
		lg.Error("handle session completed", zap.Error(err))
		respondError(ctx, w, http.StatusInternalServerError, "transient failure")
		return
	}

	// Partial failures after the committed transition are logged by the
	// service and surfaced via the repair tool; the delivery still succeeds.
	h.markHandled(ctx, e.ID)
	respondJSON(ctx, w, http.StatusOK, webhookResponse{
		Received: true,
		Outcome:  result.Outcome.String(),
	})
}

// markHandled records the event id after a successful response, so only
// acknowledged deliveries are ever suppressed as duplicates. Deliveries
// answered with 5xx stay unrecorded: their retry carries the same event id
// and must get a full second pass.
func (h *Handler) markHandled(ctx context.Context, eventID string) {
	if err := h.dedup.MarkHandled(ctx, eventID); err != nil {
		zctx.From(ctx).Warn("dedup mark failed", zap.Error(err))
	}
}

func (h *Handler) recordDelivery(r *http.Request, evt psp.Event) {
	if h.deliveries == nil {
		return
	}
	ctx := r.Context()

	orderID := ""
	switch e := evt.(type) {
	case psp.SessionCompleted:
		orderID = e.Session.OrderID
	case psp.SessionExpired:
		orderID = e.OrderID
	}

	if _, err := h.deliveries.RecordDelivery(ctx, "stripe", evt.EventID(), evt.Kind(), orderID); err != nil {
		zctx.From(ctx).Warn("record webhook delivery", zap.Error(err))
	}
}
