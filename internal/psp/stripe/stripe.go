// Package stripe implements psp.Client and psp.Verifier on top of the Stripe
// API. Credentials are injected at construction; constructing without them
// yields a fail-closed instance that rejects every call.
package stripe

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	stripelib "github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/checkout/session"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/feastly/fulfillment/internal/psp"
)

// metadataOrderID is the session metadata key that carries the order id.
// The checkout flow stamps it at session creation; the webhook path reads it
// back to locate the order.
const metadataOrderID = "order_id"

// Verifier verifies webhook signatures against a signing secret and parses
// deliveries into typed psp events.
type Verifier struct {
	secret string
}

// NewVerifier returns a Verifier for the given webhook signing secret. An
// empty secret produces a fail-closed verifier: every delivery is rejected
// with psp.ErrNotConfigured rather than processed unverified.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// VerifyAndParse checks the Stripe-Signature header against the raw payload
// bytes and converts the event into a psp.Event variant. Verification uses
// the exact bytes received on the wire; the payload is only parsed after the
// signature checks out.
func (v *Verifier) VerifyAndParse(payload []byte, signatureHeader string) (psp.Event, error) {
	if v.secret == "" {
		return nil, psp.ErrNotConfigured
	}

	event, err := webhook.ConstructEvent(payload, signatureHeader, v.secret)
	if err != nil {
		return nil, errors.Wrap(psp.ErrBadSignature, err.Error())
	}

	switch event.Type {
	case "checkout.session.completed":
		var cs stripelib.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, errors.Wrap(err, "decode checkout session")
		}
		return psp.SessionCompleted{
			ID:      event.ID,
			Session: mapSession(&cs),
		}, nil

	case "checkout.session.expired":
		var cs stripelib.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, errors.Wrap(err, "decode checkout session")
		}
		return psp.SessionExpired{
			ID:        event.ID,
			SessionID: cs.ID,
			OrderID:   cs.Metadata[metadataOrderID],
		}, nil

	default:
		return psp.Unknown{ID: event.ID, Type: string(event.Type)}, nil
	}
}

// Client calls the Stripe API with an explicitly injected key.
type Client struct {
	sessions session.Client
	key      string
}

// NewClient returns a Client using the given API key. An empty key produces a
// fail-closed client: every call returns psp.ErrNotConfigured.
func NewClient(key string) *Client {
	return &Client{
		sessions: session.Client{
			B:   stripelib.GetBackend(stripelib.APIBackend),
			Key: key,
		},
		key: key,
	}
}

// RetrieveSession fetches the live state of a checkout session. This is the
// race-closing path for the confirmation resolver: the session may already be
// paid before the webhook delivery has landed.
func (c *Client) RetrieveSession(ctx context.Context, sessionID string) (*psp.Session, error) {
	if c.key == "" {
		return nil, psp.ErrNotConfigured
	}

	params := &stripelib.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")

	cs, err := c.sessions.Get(sessionID, params)
	if err != nil {
		return nil, mapError(err, "retrieve session")
	}

	s := mapSession(cs)
	return &s, nil
}

// CreateSession creates a hosted checkout session with the order id stamped
// into metadata. The webhook path depends on that stamp to locate the order.
func (c *Client) CreateSession(ctx context.Context, p psp.SessionParams) (*psp.Session, error) {
	if c.key == "" {
		return nil, psp.ErrNotConfigured
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:       stripelib.String(string(stripelib.CheckoutSessionModePayment)),
		SuccessURL: stripelib.String(p.SuccessURL),
		CancelURL:  stripelib.String(p.CancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Quantity: stripelib.Int64(1),
				PriceData: &stripelib.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripelib.String(p.Currency),
					UnitAmount: stripelib.Int64(minorUnits(p.Amount)),
					ProductData: &stripelib.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripelib.String(p.Description),
					},
				},
			},
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataOrderID, p.OrderID)

	cs, err := c.sessions.New(params)
	if err != nil {
		return nil, mapError(err, "create session")
	}

	s := mapSession(cs)
	return &s, nil
}

// mapSession normalizes a Stripe checkout session into the provider-neutral
// shape used by the rest of the service.
func mapSession(cs *stripelib.CheckoutSession) psp.Session {
	s := psp.Session{
		ID:      cs.ID,
		OrderID: cs.Metadata[metadataOrderID],
		// Assumes a two-decimal currency (see minorUnits).
		AmountTotal: decimal.New(cs.AmountTotal, -2),
		Currency:    string(cs.Currency),
		URL:         cs.URL,
	}
	if cs.PaymentIntent != nil {
		s.PaymentIntentID = cs.PaymentIntent.ID
	}

	// "no_payment_required" counts as paid: the session is settled and the
	// order should be fulfilled.
	switch cs.PaymentStatus {
	case stripelib.CheckoutSessionPaymentStatusPaid,
		stripelib.CheckoutSessionPaymentStatusNoPaymentRequired:
		s.PaymentStatus = psp.SessionPaid
	default:
		s.PaymentStatus = psp.SessionUnpaid
	}

	return s
}

func mapError(err error, op string) error {
	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
		return psp.ErrSessionNotFound
	}
	return errors.Wrap(err, op)
}

// minorUnits converts a decimal major-unit amount to the integer minor units
// Stripe expects (e.g. 12.50 -> 1250). The exponent is fixed at two decimals,
// which holds for usd and the other currencies the storefront sells in;
// zero-decimal currencies (jpy, krw) would need a per-currency exponent table
// here and in mapSession before Currency may be set to one.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
