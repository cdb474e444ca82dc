package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feastly/fulfillment/internal/checkout"
	"github.com/feastly/fulfillment/internal/domain/customer"
	"github.com/feastly/fulfillment/internal/domain/discount"
	"github.com/feastly/fulfillment/internal/domain/order"
	"github.com/feastly/fulfillment/internal/notify"
	"github.com/feastly/fulfillment/internal/psp"
)

// --- Mock implementations ---

// fakeVerifier returns a canned event or error, recording whether it ran.
type fakeVerifier struct {
	evt    psp.Event
	err    error
	called bool
}

func (f *fakeVerifier) VerifyAndParse([]byte, string) (psp.Event, error) {
	f.called = true
	if f.err != nil {
		return nil, f.err
	}
	return f.evt, nil
}

// countingOrderRepo tracks every access so tests can assert that rejected
// deliveries never touch the store.
type countingOrderRepo struct {
	mu       sync.Mutex
	orders   map[string]*order.Order
	accesses int

	// transitionFailures makes the next N TransitionToPaid calls fail with a
	// transient error, simulating a store outage during a delivery.
	transitionFailures int
}

func newCountingOrderRepo(orders ...*order.Order) *countingOrderRepo {
	m := &countingOrderRepo{orders: make(map[string]*order.Order)}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *countingOrderRepo) touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accesses++
}

func (m *countingOrderRepo) Accesses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accesses
}

func (m *countingOrderRepo) Create(_ context.Context, o *order.Order) error {
	m.touch()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *countingOrderRepo) GetByID(_ context.Context, id string) (*order.Order, error) {
	m.touch()
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *countingOrderRepo) GetBySessionID(_ context.Context, sessionID string) (*order.Order, error) {
	m.touch()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.PSPRef.CheckoutSessionID == sessionID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, order.ErrNotFound
}

func (m *countingOrderRepo) TransitionToPaid(_ context.Context, orderID, paymentIntentID string) (*order.TransitionResult, error) {
	m.touch()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionFailures > 0 {
		m.transitionFailures--
		return nil, errors.New("connection reset")
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.PaymentStatus == order.PaymentPaid {
		cp := *o
		return &order.TransitionResult{AlreadyPaid: true, Order: &cp}, nil
	}
	now := time.Now()
	o.PaymentStatus = order.PaymentPaid
	o.Status = order.StatusPaid
	o.PSPRef.PaymentIntentID = paymentIntentID
	o.PaidAt = &now
	cp := *o
	return &order.TransitionResult{Order: &cp}, nil
}

func (m *countingOrderRepo) CancelIfPending(_ context.Context, orderID string) (bool, error) {
	m.touch()
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, order.ErrNotFound
	}
	if o.PaymentStatus != order.PaymentPending {
		return false, nil
	}
	o.Status = order.StatusCanceled
	o.PaymentStatus = order.PaymentFailed
	return true, nil
}

func (m *countingOrderRepo) MarkEffectDone(_ context.Context, orderID string, effect order.Effect, at time.Time) error {
	m.touch()
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return order.ErrNotFound
	}
	switch effect {
	case order.EffectDiscount:
		o.DiscountCountedAt = &at
	case order.EffectCustomer:
		o.CustomerCountedAt = &at
	case order.EffectConfirmation:
		o.ConfirmationSentAt = &at
	}
	return nil
}

func (m *countingOrderRepo) SetSessionID(_ context.Context, orderID, sessionID string) error {
	m.touch()
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return order.ErrNotFound
	}
	o.PSPRef.CheckoutSessionID = sessionID
	return nil
}

type nopTracker struct{}

func (nopTracker) IncrementUsage(context.Context, string) error { return nil }

type nopAggregates struct{}

func (nopAggregates) RecordOrderCompletion(context.Context, string, decimal.Decimal, time.Time) error {
	return nil
}

type emptyProfiles struct{}

func (emptyProfiles) GetByID(context.Context, string) (*customer.Customer, error) {
	return nil, customer.ErrNotFound
}

type nopProvider struct{}

func (nopProvider) RetrieveSession(context.Context, string) (*psp.Session, error) {
	return nil, psp.ErrSessionNotFound
}

func (nopProvider) CreateSession(context.Context, psp.SessionParams) (*psp.Session, error) {
	return nil, psp.ErrNotConfigured
}

// --- Helpers ---

type handlerFixture struct {
	handler  *Handler
	verifier *fakeVerifier
	orders   *countingOrderRepo
}

func newHandlerFixture(verifier *fakeVerifier, orders ...*order.Order) *handlerFixture {
	repo := newCountingOrderRepo(orders...)
	svc := order.NewFulfillment(repo, nopTracker{}, nopAggregates{}, emptyProfiles{}, nil, notify.NopMailer{})
	resolver := order.NewResolver(repo, nopProvider{})
	checkoutSvc := checkout.NewService(checkout.Config{}, repo, discount.NewRepoValidator(nil), nopProvider{})

	return &handlerFixture{
		handler:  NewHandler(verifier, svc, resolver, checkoutSvc, nil, nil),
		verifier: verifier,
		orders:   repo,
	}
}

func testPendingOrder(id, sessionID string) *order.Order {
	return &order.Order{
		ID:            id,
		Status:        order.StatusPending,
		PaymentStatus: order.PaymentPending,
		PSPRef:        order.PSPRef{CheckoutSessionID: sessionID},
		TotalAmount:   decimal.RequireFromString("25.00"),
		CreatedAt:     time.Now(),
	}
}

func postWebhook(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=aaaa")
	w := httptest.NewRecorder()
	h.Webhook(w, req)
	return w
}

func decodeWebhookResponse(t *testing.T, w *httptest.ResponseRecorder) webhookResponse {
	t.Helper()
	var resp webhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// --- Tests ---

func TestWebhook_BadSignature(t *testing.T) {
	f := newHandlerFixture(&fakeVerifier{err: psp.ErrBadSignature})

	w := postWebhook(t, f.handler, `{"tampered":true}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	// A rejected delivery must never reach the store.
	assert.Zero(t, f.orders.Accesses())
}

func TestWebhook_VerifierNotConfigured(t *testing.T) {
	f := newHandlerFixture(&fakeVerifier{err: psp.ErrNotConfigured})

	w := postWebhook(t, f.handler, `{}`)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, f.orders.Accesses())
}

func TestWebhook_MalformedPayload(t *testing.T) {
	f := newHandlerFixture(&fakeVerifier{err: errors.New("unexpected end of JSON input")})

	w := postWebhook(t, f.handler, `{"broken`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, f.orders.Accesses())
}

func TestWebhook_SessionCompleted(t *testing.T) {
	evt := psp.SessionCompleted{
		ID: "evt_1",
		Session: psp.Session{
			ID:              "cs_1",
			PaymentStatus:   psp.SessionPaid,
			PaymentIntentID: "pi_1",
			OrderID:         "ord-1",
		},
	}
	f := newHandlerFixture(&fakeVerifier{evt: evt}, testPendingOrder("ord-1", "cs_1"))

	w := postWebhook(t, f.handler, `{}`)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeWebhookResponse(t, w)
	assert.True(t, resp.Received)
	assert.Equal(t, "fulfilled", resp.Outcome)

	o, err := f.orders.GetByID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, o.PaymentStatus)
}

func TestWebhook_Redelivery(t *testing.T) {
	evt := psp.SessionCompleted{
		ID: "evt_1",
		Session: psp.Session{
			ID:            "cs_1",
			PaymentStatus: psp.SessionPaid,
			OrderID:       "ord-1",
		},
	}
	f := newHandlerFixture(&fakeVerifier{evt: evt}, testPendingOrder("ord-1", "cs_1"))

	first := postWebhook(t, f.handler, `{}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := postWebhook(t, f.handler, `{}`)
	assert.Equal(t, http.StatusOK, second.Code)
	resp := decodeWebhookResponse(t, second)
	assert.Equal(t, "already_paid", resp.Outcome)
}

func TestWebhook_MissingOrderReference(t *testing.T) {
	evt := psp.SessionCompleted{
		ID:      "evt_1",
		Session: psp.Session{ID: "cs_1", PaymentStatus: psp.SessionPaid},
	}
	f := newHandlerFixture(&fakeVerifier{evt: evt})

	w := postWebhook(t, f.handler, `{}`)

	// Retrying a payload without an order id can never succeed.
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, f.orders.Accesses())
}

func TestWebhook_NonexistentOrderAbsorbed(t *testing.T) {
	evt := psp.SessionCompleted{
		ID: "evt_1",
		Session: psp.Session{
			ID:            "cs_1",
			PaymentStatus: psp.SessionPaid,
			OrderID:       "ghost",
		},
	}
	f := newHandlerFixture(&fakeVerifier{evt: evt})

	w := postWebhook(t, f.handler, `{}`)

	// 2xx on purpose: a 4xx/5xx would make the provider retry forever.
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeWebhookResponse(t, w)
	assert.Equal(t, "acknowledged", resp.Outcome)
}

func TestWebhook_UnknownEventType(t *testing.T) {
	f := newHandlerFixture(&fakeVerifier{evt: psp.Unknown{ID: "evt_1", Type: "invoice.created"}})

	w := postWebhook(t, f.handler, `{}`)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeWebhookResponse(t, w)
	assert.Equal(t, "ignored", resp.Outcome)
	assert.Zero(t, f.orders.Accesses())
}

func TestWebhook_SessionExpired(t *testing.T) {
	evt := psp.SessionExpired{ID: "evt_1", SessionID: "cs_1", OrderID: "ord-1"}
	f := newHandlerFixture(&fakeVerifier{evt: evt}, testPendingOrder("ord-1", "cs_1"))

	w := postWebhook(t, f.handler, `{}`)

	assert.Equal(t, http.StatusOK, w.Code)
	o, err := f.orders.GetByID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCanceled, o.Status)
}

func TestWebhook_DuplicateSuppressedByDeduper(t *testing.T) {
	evt := psp.SessionCompleted{
		ID: "evt_1",
		Session: psp.Session{
			ID:            "cs_1",
			PaymentStatus: psp.SessionPaid,
			OrderID:       "ord-1",
		},
	}
	repo := newCountingOrderRepo(testPendingOrder("ord-1", "cs_1"))
	svc := order.NewFulfillment(repo, nopTracker{}, nopAggregates{}, emptyProfiles{}, nil, notify.NopMailer{})
	h := NewHandler(&fakeVerifier{evt: evt}, svc, order.NewResolver(repo, nopProvider{}), nil, alwaysSeen{}, nil)

	w := postWebhook(t, h, `{}`)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeWebhookResponse(t, w)
	assert.Equal(t, "duplicate", resp.Outcome)
	assert.Zero(t, repo.Accesses())
}

func TestWebhook_RetryAfterTransientFailureNotSuppressed(t *testing.T) {
	evt := psp.SessionCompleted{
		ID: "evt_1",
		Session: psp.Session{
			ID:            "cs_1",
			PaymentStatus: psp.SessionPaid,
			OrderID:       "ord-1",
		},
	}
	repo := newCountingOrderRepo(testPendingOrder("ord-1", "cs_1"))
	repo.transitionFailures = 1
	svc := order.NewFulfillment(repo, nopTracker{}, nopAggregates{}, emptyProfiles{}, nil, notify.NopMailer{})
	deduper := newMemDeduper()
	h := NewHandler(&fakeVerifier{evt: evt}, svc, order.NewResolver(repo, nopProvider{}), nil, deduper, nil)

	// Store is down: the delivery fails with 5xx so the provider redelivers.
	first := postWebhook(t, h, `{}`)
	require.Equal(t, http.StatusInternalServerError, first.Code)

	// The redelivery carries the same event id. It must get a full second
	// pass, not a duplicate short-circuit.
	second := postWebhook(t, h, `{}`)
	assert.Equal(t, http.StatusOK, second.Code)
	resp := decodeWebhookResponse(t, second)
	assert.Equal(t, "fulfilled", resp.Outcome)

	o, err := repo.GetByID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, o.PaymentStatus)
}

func TestWebhook_SuccessMarksEventHandled(t *testing.T) {
	evt := psp.SessionCompleted{
		ID: "evt_1",
		Session: psp.Session{
			ID:            "cs_1",
			PaymentStatus: psp.SessionPaid,
			OrderID:       "ord-1",
		},
	}
	repo := newCountingOrderRepo(testPendingOrder("ord-1", "cs_1"))
	svc := order.NewFulfillment(repo, nopTracker{}, nopAggregates{}, emptyProfiles{}, nil, notify.NopMailer{})
	deduper := newMemDeduper()
	h := NewHandler(&fakeVerifier{evt: evt}, svc, order.NewResolver(repo, nopProvider{}), nil, deduper, nil)

	first := postWebhook(t, h, `{}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := postWebhook(t, h, `{}`)
	assert.Equal(t, http.StatusOK, second.Code)
	resp := decodeWebhookResponse(t, second)
	assert.Equal(t, "duplicate", resp.Outcome)
}

func TestWebhook_DuplicateDeliveryStillAudited(t *testing.T) {
	evt := psp.SessionCompleted{
		ID: "evt_1",
		Session: psp.Session{
			ID:            "cs_1",
			PaymentStatus: psp.SessionPaid,
			OrderID:       "ord-1",
		},
	}
	repo := newCountingOrderRepo(testPendingOrder("ord-1", "cs_1"))
	svc := order.NewFulfillment(repo, nopTracker{}, nopAggregates{}, emptyProfiles{}, nil, notify.NopMailer{})
	deliveries := &recordingDeliveries{}
	h := NewHandler(&fakeVerifier{evt: evt}, svc, order.NewResolver(repo, nopProvider{}), nil, alwaysSeen{}, deliveries)

	w := postWebhook(t, h, `{}`)

	// Suppressed as a duplicate, yet the audit trail still records it.
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", decodeWebhookResponse(t, w).Outcome)
	assert.Equal(t, 1, deliveries.Calls())
}

// alwaysSeen reports every event as already handled.
type alwaysSeen struct{}

func (alwaysSeen) Seen(context.Context, string) (bool, error) { return true, nil }
func (alwaysSeen) MarkHandled(context.Context, string) error  { return nil }

// memDeduper is a map-backed deduper with exact semantics.
type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemDeduper() *memDeduper {
	return &memDeduper{seen: make(map[string]bool)}
}

func (m *memDeduper) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[id], nil
}

func (m *memDeduper) MarkHandled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[id] = true
	return nil
}

// recordingDeliveries counts audit-trail writes.
type recordingDeliveries struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingDeliveries) RecordDelivery(_ context.Context, _, _, _, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return true, nil
}

func (r *recordingDeliveries) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
