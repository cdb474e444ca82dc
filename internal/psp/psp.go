// Package psp abstracts the payment service provider behind typed events and
// an injected client, keeping the webhook path testable with fakes.
package psp

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors shared by provider implementations.
var (
	// ErrNotConfigured is returned by fail-closed clients and verifiers
	// constructed without credentials. No event may be processed unverified.
	ErrNotConfigured = errors.New("payment provider not configured")
	// ErrBadSignature indicates the webhook payload failed signature
	// verification against the configured secret.
	ErrBadSignature = errors.New("webhook signature verification failed")
	// ErrSessionNotFound is returned when the provider has no session for
	// the given id.
	ErrSessionNotFound = errors.New("checkout session not found")
)

// SessionPaymentStatus is the provider's view of a checkout session's payment.
type SessionPaymentStatus string

const (
	SessionUnpaid SessionPaymentStatus = "unpaid"
	SessionPaid   SessionPaymentStatus = "paid"
)

// Session is the normalized view of a provider checkout session.
type Session struct {
	ID              string
	PaymentStatus   SessionPaymentStatus
	PaymentIntentID string
	// OrderID is the order identifier stamped into session metadata at
	// creation time. Empty when the metadata is missing.
	OrderID     string
	AmountTotal decimal.Decimal
	Currency    string
	// URL is the hosted checkout page, set on freshly created sessions.
	URL string
}

// Event is a tagged variant over the webhook event kinds this service cares
// about. Unknown kinds are represented explicitly rather than dropped, so the
// handler can acknowledge them without failing.
type Event interface {
	// EventID is the provider-assigned delivery identifier, used for
	// best-effort duplicate suppression and audit.
	EventID() string
	// Kind returns the provider's event type string.
	Kind() string
}

// SessionCompleted is emitted when a hosted checkout finishes successfully.
type SessionCompleted struct {
	ID      string
	Session Session
}

func (e SessionCompleted) EventID() string { return e.ID }
func (e SessionCompleted) Kind() string    { return "checkout.session.completed" }

// SessionExpired is emitted when a hosted checkout expires unpaid.
type SessionExpired struct {
	ID        string
	SessionID string
	OrderID   string
}

func (e SessionExpired) EventID() string { return e.ID }
func (e SessionExpired) Kind() string    { return "checkout.session.expired" }

// Unknown wraps any event type the service does not handle. It must be
// acknowledged, never rejected: rejecting makes the provider retry forever.
type Unknown struct {
	ID   string
	Type string
}

func (e Unknown) EventID() string { return e.ID }
func (e Unknown) Kind() string    { return e.Type }

// Verifier authenticates and parses a raw webhook delivery. Verification is
// computed over the exact raw bytes; implementations must not re-serialize.
type Verifier interface {
	VerifyAndParse(payload []byte, signatureHeader string) (Event, error)
}

// SessionParams describes a checkout session to create.
type SessionParams struct {
	OrderID     string
	Amount      decimal.Decimal
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
}

// Client is the injected provider API client. Implementations carry their own
// credential lifecycle; there is no package-level singleton.
type Client interface {
	RetrieveSession(ctx context.Context, sessionID string) (*Session, error)
	CreateSession(ctx context.Context, params SessionParams) (*Session, error)
}
