package order

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feastly/fulfillment/internal/psp"
)

type mockProvider struct {
	sessions     map[string]*psp.Session
	err          error
	retrieveCnt  int
	createCalled bool
}

func (m *mockProvider) RetrieveSession(_ context.Context, sessionID string) (*psp.Session, error) {
	m.retrieveCnt++
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, psp.ErrSessionNotFound
	}
	return s, nil
}

func (m *mockProvider) CreateSession(context.Context, psp.SessionParams) (*psp.Session, error) {
	m.createCalled = true
	return nil, errors.New("resolver must never create sessions")
}

func paidOrder(id, sessionID string) *Order {
	now := time.Now()
	return &Order{
		ID:            id,
		Status:        StatusPaid,
		PaymentStatus: PaymentPaid,
		PSPRef:        PSPRef{CheckoutSessionID: sessionID, PaymentIntentID: "pi_1"},
		TotalAmount:   decimal.RequireFromString("10.00"),
		PaidAt:        &now,
	}
}

func TestResolve_RequiresIdentifier(t *testing.T) {
	r := NewResolver(newMemOrderRepo(), &mockProvider{})

	_, err := r.Resolve(context.Background(), "", "")
	require.Error(t, err)
}

func TestResolve_PaidOrderSkipsProvider(t *testing.T) {
	provider := &mockProvider{}
	r := NewResolver(newMemOrderRepo(paidOrder("ord-1", "cs_1")), provider)

	conf, err := r.Resolve(context.Background(), "", "ord-1")
	require.NoError(t, err)
	assert.True(t, conf.Found)
	assert.False(t, conf.Pending)
	require.NotNil(t, conf.Order)
	assert.Equal(t, PaymentPaid, conf.Order.PaymentStatus)

	// Success path must not make a provider round trip.
	assert.Zero(t, provider.retrieveCnt)
}

func TestResolve_BySessionID(t *testing.T) {
	o := paidOrder("ord-1", "cs_1")
	r := NewResolver(newMemOrderRepo(o), &mockProvider{})

	conf, err := r.Resolve(context.Background(), "cs_1", "")
	require.NoError(t, err)
	assert.True(t, conf.Found)
	assert.Equal(t, "ord-1", conf.Order.ID)
}

func TestResolve_CanceledOrder(t *testing.T) {
	o := pendingOrder("ord-1")
	o.Status = StatusCanceled
	o.PaymentStatus = PaymentFailed
	r := NewResolver(newMemOrderRepo(o), &mockProvider{})

	conf, err := r.Resolve(context.Background(), "", "ord-1")
	require.NoError(t, err)
	assert.True(t, conf.Found)
	assert.False(t, conf.Pending)
	assert.Equal(t, ReasonCanceled, conf.Reason)
}

func TestResolve_ProviderPaidBeforeWebhook(t *testing.T) {
	o := pendingOrder("ord-1")
	o.PSPRef.CheckoutSessionID = "cs_1"
	repo := newMemOrderRepo(o)
	provider := &mockProvider{sessions: map[string]*psp.Session{
		"cs_1": {ID: "cs_1", PaymentStatus: psp.SessionPaid, OrderID: "ord-1"},
	}}
	r := NewResolver(repo, provider)

	conf, err := r.Resolve(context.Background(), "cs_1", "")
	require.NoError(t, err)
	assert.True(t, conf.Found)
	assert.True(t, conf.Pending, "paid at provider but not locally means keep polling")
	assert.Equal(t, ReasonFulfillmentInProgress, conf.Reason)

	// The resolver observed provider-paid but must not have written anything:
	// the local order stays pending until the webhook transition.
	got, err := repo.GetByID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, PaymentPending, got.PaymentStatus)
	assert.False(t, provider.createCalled)
}

func TestResolve_ProviderUnpaid(t *testing.T) {
	o := pendingOrder("ord-1")
	o.PSPRef.CheckoutSessionID = "cs_1"
	provider := &mockProvider{sessions: map[string]*psp.Session{
		"cs_1": {ID: "cs_1", PaymentStatus: psp.SessionUnpaid, OrderID: "ord-1"},
	}}
	r := NewResolver(newMemOrderRepo(o), provider)

	conf, err := r.Resolve(context.Background(), "cs_1", "")
	require.NoError(t, err)
	assert.True(t, conf.Pending)
	assert.Equal(t, ReasonAwaitingPayment, conf.Reason)
}

func TestResolve_ProviderErrorIsNotAFailure(t *testing.T) {
	o := pendingOrder("ord-1")
	o.PSPRef.CheckoutSessionID = "cs_1"
	provider := &mockProvider{err: errors.New("stripe 500")}
	r := NewResolver(newMemOrderRepo(o), provider)

	conf, err := r.Resolve(context.Background(), "cs_1", "")
	require.NoError(t, err, "transient provider failure must not surface as an error")
	assert.True(t, conf.Found)
	assert.True(t, conf.Pending)
	assert.Equal(t, ReasonStatusUnavailable, conf.Reason)
}

func TestResolve_UnknownSession(t *testing.T) {
	r := NewResolver(newMemOrderRepo(), &mockProvider{})

	conf, err := r.Resolve(context.Background(), "cs_ghost", "")
	require.NoError(t, err)
	assert.False(t, conf.Found)
	assert.False(t, conf.Pending)
	assert.Equal(t, ReasonUnknownSession, conf.Reason)
}

func TestResolve_OrderWithoutSessionYet(t *testing.T) {
	o := pendingOrder("ord-1")
	provider := &mockProvider{}
	r := NewResolver(newMemOrderRepo(o), provider)

	conf, err := r.Resolve(context.Background(), "", "ord-1")
	require.NoError(t, err)
	assert.True(t, conf.Found)
	assert.True(t, conf.Pending)
	assert.Equal(t, ReasonAwaitingPayment, conf.Reason)
	assert.Zero(t, provider.retrieveCnt, "no session id to query yet")
}
