package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/feastly/fulfillment/internal/psp"
)

// Reader is the read-only slice of Repository available to the confirmation
// resolver. The resolver must never write payment state: the narrow interface
// makes a second, uncoordinated writer racing the webhook's guarded
// transition impossible by construction.
type Reader interface {
	GetByID(ctx context.Context, id string) (*Order, error)
	GetBySessionID(ctx context.Context, sessionID string) (*Order, error)
}

// PollInterval is the suggested client re-poll interval while a confirmation
// is pending. Overall polling duration is bounded by the caller.
const PollInterval = 2 * time.Second

// Confirmation reason strings returned to the client.
const (
	ReasonFulfillmentInProgress = "payment confirmed, fulfillment in progress"
	ReasonAwaitingPayment       = "awaiting payment"
	ReasonStatusUnavailable     = "status check temporarily unavailable"
	ReasonUnknownSession        = "unknown checkout session"
	ReasonCanceled              = "checkout expired"
)

// Confirmation is the best-known order state for a client redirect.
// Pending=true always means "legitimate transient, keep polling", never a
// failure.
type Confirmation struct {
	Found   bool
	Pending bool
	Reason  string
	Order   *Order
}

// Resolver answers confirmation-page lookups without assuming the webhook has
// already arrived. When the local record is not yet paid it consults the
// provider's live session state, but it never performs the transition itself:
// only the webhook path may flip payment status.
type Resolver struct {
	orders   Reader
	provider psp.Client
}

// NewResolver creates a Resolver over the read-only order view and the
// injected provider client.
func NewResolver(orders Reader, provider psp.Client) *Resolver {
	return &Resolver{orders: orders, provider: provider}
}

// Resolve looks up the order by id (preferred) or checkout session id and
// reports its confirmation state. At least one identifier must be provided.
func (r *Resolver) Resolve(ctx context.Context, sessionID, orderID string) (*Confirmation, error) {
	if sessionID == "" && orderID == "" {
		return nil, errors.New("session id or order id required")
	}

	o, err := r.lookup(ctx, sessionID, orderID)
	if err != nil {
		return nil, err
	}

	if o != nil {
		switch {
		case o.PaymentStatus == PaymentPaid:
			// Success path: the webhook has already fulfilled the order and
			// no provider round trip is needed.
			return &Confirmation{Found: true, Order: o}, nil
		case o.Status == StatusCanceled:
			return &Confirmation{Found: true, Order: o, Reason: ReasonCanceled}, nil
		}
		if sessionID == "" {
			sessionID = o.PSPRef.CheckoutSessionID
		}
	}

	// Race-closing step: the session may be paid at the provider while the
	// webhook is still in flight.
	return r.resolveViaProvider(ctx, sessionID, o)
}

func (r *Resolver) lookup(ctx context.Context, sessionID, orderID string) (*Order, error) {
	if orderID != "" {
		o, err := r.orders.GetByID(ctx, orderID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, errors.Wrap(err, "get order")
		}
		return o, nil
	}

	o, err := r.orders.GetBySessionID(ctx, sessionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "get order by session")
	}
	return o, nil
}

func (r *Resolver) resolveViaProvider(ctx context.Context, sessionID string, local *Order) (*Confirmation, error) {
	found := local != nil

	if sessionID == "" {
		// Order exists but has no session linked yet; the checkout flow is
		// still mid-flight.
		return &Confirmation{Found: found, Pending: true, Order: local, Reason: ReasonAwaitingPayment}, nil
	}

	sess, err := r.provider.RetrieveSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, psp.ErrSessionNotFound) {
			if found {
				return &Confirmation{Found: true, Pending: true, Order: local, Reason: ReasonStatusUnavailable}, nil
			}
			return &Confirmation{Found: false, Reason: ReasonUnknownSession}, nil
		}
		// A transient provider failure must not surface as a payment
		// failure; the client keeps polling.
		zctx.From(ctx).Warn("provider session lookup failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return &Confirmation{Found: found, Pending: true, Order: local, Reason: ReasonStatusUnavailable}, nil
	}

	if sess.PaymentStatus == psp.SessionPaid {
		// Paid at the provider, not yet locally: the webhook (or the repair
		// path) will perform the transition. Fabricating a paid state here
		// would race the guarded writer, so the client is told to keep
		// polling.
		return &Confirmation{Found: found, Pending: true, Order: local, Reason: ReasonFulfillmentInProgress}, nil
	}

	return &Confirmation{Found: found, Pending: true, Order: local, Reason: ReasonAwaitingPayment}, nil
}
