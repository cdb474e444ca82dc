package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/feastly/fulfillment/internal/analytics"
	"github.com/feastly/fulfillment/internal/domain/customer"
	"github.com/feastly/fulfillment/internal/domain/discount"
	"github.com/feastly/fulfillment/internal/notify"
	"github.com/feastly/fulfillment/internal/psp"
)

// ErrNoOrderRef is returned when a session-completed event carries no order
// id in its metadata. This is a structural protocol violation: the checkout
// flow must stamp the order id at session creation, and a payload without it
// can never succeed on retry.
var ErrNoOrderRef = errors.New("event metadata carries no order id")

// Outcome classifies how a webhook delivery was handled. Acknowledged is kept
// separate from Fulfilled and AlreadyPaid on purpose: it marks an event that
// was deliberately absorbed (responded 2xx) despite naming an order this
// service cannot act on, so logs and tests can tell "handled" from
// "intentionally swallowed".
type Outcome int

const (
	// OutcomeFulfilled is a fresh pending-to-paid transition with side
	// effects applied.
	OutcomeFulfilled Outcome = iota
	// OutcomeAlreadyPaid is the idempotency short-circuit: the order was
	// paid by an earlier delivery and no side effect was re-run.
	OutcomeAlreadyPaid
	// OutcomeAcknowledged means the event referenced an order that does not
	// exist. Responding with an error would make the provider retry a
	// delivery that can never self-heal, so it is absorbed with a critical
	// log instead.
	OutcomeAcknowledged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFulfilled:
		return "fulfilled"
	case OutcomeAlreadyPaid:
		return "already_paid"
	case OutcomeAcknowledged:
		return "acknowledged"
	}
	return "unknown"
}

// FulfillmentResult is the outcome of processing one payment event.
// SecondaryErrs holds failures of dependent effects that occurred after the
// primary transition committed; they surface as repair work, never as a
// webhook failure.
type FulfillmentResult struct {
	Outcome       Outcome
	Order         *Order
	SecondaryErrs []error
}

// AnalyticsEmitter is the fire-and-forget analytics dependency.
type AnalyticsEmitter interface {
	Emit(analytics.Event)
}

// Fulfillment drives the payment confirmation state machine. It is the only
// component allowed to mutate an order's payment status; the confirmation
// resolver is strictly read-only.
type Fulfillment struct {
	orders    Repository
	discounts discount.Tracker
	customers customer.Aggregates
	profiles  customer.Repository
	analytics AnalyticsEmitter
	mailer    notify.Mailer
	now       func() time.Time
}

// NewFulfillment creates the fulfillment service. analytics may be nil;
// mailer may be notify.NopMailer.
func NewFulfillment(
	orders Repository,
	discounts discount.Tracker,
	customers customer.Aggregates,
	profiles customer.Repository,
	emitter AnalyticsEmitter,
	mailer notify.Mailer,
) *Fulfillment {
	return &Fulfillment{
		orders:    orders,
		discounts: discounts,
		customers: customers,
		profiles:  profiles,
		analytics: emitter,
		mailer:    mailer,
		now:       time.Now,
	}
}

// HandleSessionCompleted applies a session-completed event to its order.
//
// The guarded transition in the repository is the single serialization point:
// a redelivered or concurrently delivered event either performs the one fresh
// transition or observes AlreadyPaid and stops before any side effect.
// Errors returned from this method are transient (store unavailable before
// the transition committed) and safe to surface as 5xx: the provider's retry
// is made harmless by the same guard.
func (f *Fulfillment) HandleSessionCompleted(ctx context.Context, evt psp.SessionCompleted) (*FulfillmentResult, error) {
	lg := zctx.From(ctx)

	orderID := evt.Session.OrderID
	if orderID == "" {
		return nil, ErrNoOrderRef
	}

	res, err := f.orders.TransitionToPaid(ctx, orderID, evt.Session.PaymentIntentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The order was never pre-created: an upstream bug this handler
			// cannot repair. Retrying the delivery is pure noise, so the
			// event is absorbed. The log level is the alarm.
			lg.Error("webhook references nonexistent order; absorbing event to stop retries",
				zap.String("order_id", orderID),
				zap.String("session_id", evt.Session.ID),
				zap.String("event_id", evt.ID),
			)
			return &FulfillmentResult{Outcome: OutcomeAcknowledged}, nil
		}
		return nil, errors.Wrap(err, "transition to paid")
	}

	if res.AlreadyPaid {
		lg.Info("order already paid, skipping side effects",
			zap.String("order_id", orderID),
			zap.String("event_id", evt.ID),
		)
		return &FulfillmentResult{Outcome: OutcomeAlreadyPaid, Order: res.Order}, nil
	}

	o := res.Order
	lg.Info("order fulfilled",
		zap.String("order_id", o.ID),
		zap.String("payment_intent_id", o.PSPRef.PaymentIntentID),
	)

	if f.analytics != nil {
		f.analytics.Emit(analytics.Event{
			Type:       analytics.EventPaymentSucceeded,
			OrderID:    o.ID,
			CustomerID: o.CustomerID,
			Amount:     o.TotalAmount,
			At:         f.now(),
		})
	}

	secondaryErrs := f.runSecondaryEffects(ctx, o)

	return &FulfillmentResult{
		Outcome:       OutcomeFulfilled,
		Order:         o,
		SecondaryErrs: secondaryErrs,
	}, nil
}

// HandleSessionExpired cancels the order for an expired, unpaid checkout.
// Orders already paid are untouched: the repository's guard only matches
// pending payment status.
func (f *Fulfillment) HandleSessionExpired(ctx context.Context, evt psp.SessionExpired) error {
	if evt.OrderID == "" {
		return ErrNoOrderRef
	}

	canceled, err := f.orders.CancelIfPending(ctx, evt.OrderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			zctx.From(ctx).Error("expired session references nonexistent order",
				zap.String("order_id", evt.OrderID),
				zap.String("session_id", evt.SessionID),
			)
			return nil
		}
		return errors.Wrap(err, "cancel order")
	}

	if canceled {
		zctx.From(ctx).Info("order canceled after checkout session expired",
			zap.String("order_id", evt.OrderID),
		)
		if f.analytics != nil {
			f.analytics.Emit(analytics.Event{
				Type:    analytics.EventSessionExpired,
				OrderID: evt.OrderID,
				At:      f.now(),
			})
		}
	}
	return nil
}

// ReplaySecondaryEffects re-runs the secondary effects that have no recorded
// completion for an already-paid order. This is the operator repair path for
// partial failures: redelivering the webhook cannot help, because it hits the
// AlreadyPaid short-circuit.
func (f *Fulfillment) ReplaySecondaryEffects(ctx context.Context, orderID string) ([]error, error) {
	o, err := f.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if o.PaymentStatus != PaymentPaid {
		return nil, errors.Errorf("order %s is not paid (payment status %q), nothing to replay", orderID, o.PaymentStatus)
	}

	return f.runSecondaryEffects(ctx, o), nil
}

// runSecondaryEffects applies the dependent counters and notifications for a
// freshly paid order, skipping any effect already recorded as complete. Each
// completed effect is stamped on the order so a later replay is a no-op.
//
// Failures here occur after the primary transition committed; they are logged
// distinctly and returned for surfacing, never used to fail the transition.
func (f *Fulfillment) runSecondaryEffects(ctx context.Context, o *Order) []error {
	lg := zctx.From(ctx)
	var errs []error

	fail := func(effect Effect, err error) {
		lg.Error("secondary effect failed after committed transition; needs repair",
			zap.String("order_id", o.ID),
			zap.String("effect", string(effect)),
			zap.Error(err),
		)
		errs = append(errs, errors.Wrapf(err, "effect %s", effect))
	}
	mark := func(effect Effect) {
		now := f.now()
		if err := f.orders.MarkEffectDone(ctx, o.ID, effect, now); err != nil {
			fail(effect, errors.Wrap(err, "record completion"))
		}
	}

	if o.AppliedDiscountID != "" && !o.EffectDone(EffectDiscount) {
		err := f.discounts.IncrementUsage(ctx, o.AppliedDiscountID)
		switch {
		case err == nil:
			mark(EffectDiscount)
		case errors.Is(err, discount.ErrNotFound):
			// The payment already succeeded; a vanished discount record must
			// not roll it back. Nothing left to count, so the effect is
			// recorded as done.
			lg.Warn("discount no longer exists, usage not counted",
				zap.String("order_id", o.ID),
				zap.String("discount_id", o.AppliedDiscountID),
			)
			mark(EffectDiscount)
		default:
			fail(EffectDiscount, err)
		}
	}

	if !o.EffectDone(EffectCustomer) {
		paidAt := f.now()
		if o.PaidAt != nil {
			paidAt = *o.PaidAt
		}
		err := f.customers.RecordOrderCompletion(ctx, o.CustomerID, o.TotalAmount, paidAt)
		switch {
		case err == nil:
			mark(EffectCustomer)
		case errors.Is(err, customer.ErrNotFound):
			// Guest checkouts may reference customers that were never
			// materialized; tolerated as a no-op.
			lg.Warn("customer record missing, aggregates not updated",
				zap.String("order_id", o.ID),
				zap.String("customer_id", o.CustomerID),
			)
			mark(EffectCustomer)
		default:
			fail(EffectCustomer, err)
		}
	}

	if !o.EffectDone(EffectConfirmation) {
		f.sendConfirmation(ctx, o, fail, mark)
	}

	return errs
}

func (f *Fulfillment) sendConfirmation(ctx context.Context, o *Order, fail func(Effect, error), mark func(Effect)) {
	lg := zctx.From(ctx)

	prof, err := f.profiles.GetByID(ctx, o.CustomerID)
	if err != nil {
		if errors.Is(err, customer.ErrNotFound) {
			lg.Warn("no customer profile, confirmation email skipped",
				zap.String("order_id", o.ID),
			)
			mark(EffectConfirmation)
			return
		}
		fail(EffectConfirmation, errors.Wrap(err, "load customer profile"))
		return
	}
	if prof.Email == "" {
		mark(EffectConfirmation)
		return
	}

	if err := f.mailer.SendConfirmation(ctx, notify.Confirmation{
		To:      prof.Email,
		OrderID: o.ID,
		Amount:  o.TotalAmount,
	}); err != nil {
		if errors.Is(err, notify.ErrNotConfigured) {
			// Not a failure and not done either: leave the effect unstamped
			// so a replay on an SMTP-configured instance can still send.
			lg.Info("mailer not configured, confirmation left pending",
				zap.String("order_id", o.ID),
			)
			return
		}
		fail(EffectConfirmation, err)
		return
	}
	mark(EffectConfirmation)
}
