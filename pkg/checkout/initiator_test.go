package checkout

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
	"github.com/platinummonkey/swiftinvoice/pkg/identity"
	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
	"github.com/platinummonkey/swiftinvoice/pkg/sessions"
	"github.com/platinummonkey/swiftinvoice/pkg/storage/memory"
)

type fakeGateway struct {
	mu       sync.Mutex
	requests []SessionRequest
	err      error
}

func (g *fakeGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &Session{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1"}, nil
}

func (g *fakeGateway) ListCompleted(ctx context.Context, since time.Time) ([]*Session, error) {
	return nil, nil
}

type fixture struct {
	store     *memory.Store
	gateway   *fakeGateway
	ledger    *sessions.MemoryLedger
	metrics   *observability.Metrics
	initiator *Initiator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.SuccessURL == "" {
		cfg.SuccessURL = "https://app.example/payment-success"
	}
	f := &fixture{
		store:   memory.New(),
		gateway: &fakeGateway{},
		ledger:  sessions.NewMemoryLedger(sessions.Config{}),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	f.initiator = NewInitiator(f.store, f.gateway, f.ledger, cfg, f.metrics, logger)
	return f
}

func (f *fixture) invoice(t *testing.T, inv *invoices.Invoice) *invoices.Invoice {
	t.Helper()
	if inv.Status == "" {
		inv.Status = invoices.StatusDraft
	}
	created, err := f.store.Create(context.Background(), inv)
	require.NoError(t, err)
	return created
}

func as(uid string) context.Context {
	return identity.NewContext(context.Background(), &identity.Principal{ID: uid})
}

func TestStart_ServiceFee(t *testing.T) {
	f := newFixture(t, Config{})
	inv := f.invoice(t, &invoices.Invoice{ID: "i1", OwnerID: "u1", TotalCents: 5000})

	res, err := f.initiator.Start(as("u1"), Request{InvoiceID: "i1", FeeKind: "service-fee", CancelURL: "https://app/x"})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", res.SessionID)
	assert.Equal(t, "https://checkout.example/cs_test_1", res.URL)

	require.Len(t, f.gateway.requests, 1)
	req := f.gateway.requests[0]
	assert.Equal(t, inv.ID, req.InvoiceID)
	assert.Equal(t, int64(100), req.Price.AmountCents)
	assert.Equal(t, "usd", req.Price.Currency)
	assert.Equal(t, "https://app/x", req.CancelURL)
	assert.Equal(t, "https://app.example/payment-success?invoice_id=i1&session_id={CHECKOUT_SESSION_ID}&finalize=true", req.SuccessURL)
	assert.Equal(t, map[string]string{
		MetaInvoiceID:   "i1",
		MetaPaymentType: "service_fee",
		MetaOwnerID:     "u1",
		MetaAmountCents: "100",
		MetaCurrency:    "usd",
	}, req.Metadata)
	assert.NotEmpty(t, req.IdempotencyKey)

	open, err := f.ledger.HasOutstanding(context.Background(), "i1")
	require.NoError(t, err)
	assert.True(t, open)

	stored, err := f.store.Get(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, invoices.StatusDraft, stored.Status, "starting checkout never mutates the invoice")
	assert.Empty(t, stored.InvoiceNumber)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CheckoutSessionsTotal.WithLabelValues("service-fee", "created")))
}

func TestStart_FullPaymentChargesStoredTotal(t *testing.T) {
	f := newFixture(t, Config{})
	f.invoice(t, &invoices.Invoice{ID: "i1", OwnerID: "u1", TotalCents: 12345, Status: invoices.StatusPending, InvoiceNumber: "INV-000001"})

	_, err := f.initiator.Start(as("u1"), Request{InvoiceID: "i1", FeeKind: "full_payment", CancelURL: "https://app/x"})
	require.NoError(t, err)

	req := f.gateway.requests[0]
	assert.Equal(t, int64(12345), req.Price.AmountCents)
	assert.Equal(t, "full_payment", req.Metadata[MetaPaymentType])
	assert.Equal(t, "12345", req.Metadata[MetaAmountCents])
	assert.NotContains(t, req.SuccessURL, "finalize")
}

func TestStart_IdempotencyKeyIsStable(t *testing.T) {
	f := newFixture(t, Config{})
	f.invoice(t, &invoices.Invoice{ID: "i1", OwnerID: "u1"})
	req := Request{InvoiceID: "i1", FeeKind: "service-fee", CancelURL: "https://app/x"}

	_, err := f.initiator.Start(as("u1"), req)
	require.NoError(t, err)
	_, err = f.initiator.Start(as("u1"), req)
	require.NoError(t, err)
	req.CancelURL = "https://app/y"
	_, err = f.initiator.Start(as("u1"), req)
	require.NoError(t, err)

	require.Len(t, f.gateway.requests, 3)
	assert.Equal(t, f.gateway.requests[0].IdempotencyKey, f.gateway.requests[1].IdempotencyKey)
	assert.NotEqual(t, f.gateway.requests[0].IdempotencyKey, f.gateway.requests[2].IdempotencyKey)
}

func TestStart_IdempotencyKeyFollowsAmount(t *testing.T) {
	f := newFixture(t, Config{})
	f.invoice(t, &invoices.Invoice{ID: "i1", OwnerID: "u1", TotalCents: 5000})
	req := Request{InvoiceID: "i1", FeeKind: "full-payment", CancelURL: "https://app/x"}

	_, err := f.initiator.Start(as("u1"), req)
	require.NoError(t, err)

	require.NoError(t, f.store.RunInTx(context.Background(), func(ctx context.Context, tx invoices.Tx) error {
		inv, err := tx.Get(ctx, "i1")
		if err != nil {
			return err
		}
		inv.TotalCents = 6000
		return tx.Put(ctx, inv)
	}))
	_, err = f.initiator.Start(as("u1"), req)
	require.NoError(t, err)

	require.Len(t, f.gateway.requests, 2)
	first, second := f.gateway.requests[0], f.gateway.requests[1]
	assert.Equal(t, int64(5000), first.Price.AmountCents)
	assert.Equal(t, int64(6000), second.Price.AmountCents)
	assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey, "a reused key with a new amount is rejected by the gateway")
}

func TestStart_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		ctx   context.Context
		req   Request
		setup func(f *fixture)
		kind  apperr.Kind
	}{
		{
			name: "unauthenticated",
			ctx:  context.Background(),
			req:  Request{InvoiceID: "i1", FeeKind: "service-fee", CancelURL: "https://app/x"},
			kind: apperr.Unauthenticated,
		},
		{
			name: "missing invoice id",
			ctx:  as("u1"),
			req:  Request{InvoiceID: "  ", FeeKind: "service-fee", CancelURL: "https://app/x"},
			kind: apperr.InvalidArgument,
		},
		{
			name: "unknown fee kind",
			ctx:  as("u1"),
			req:  Request{InvoiceID: "i1", FeeKind: "tip", CancelURL: "https://app/x"},
			kind: apperr.InvalidArgument,
		},
		{
			name: "relative cancel url",
			ctx:  as("u1"),
			req:  Request{InvoiceID: "i1", FeeKind: "service-fee", CancelURL: "/relative"},
			kind: apperr.InvalidArgument,
		},
		{
			name: "javascript cancel url",
			ctx:  as("u1"),
			req:  Request{InvoiceID: "i1", FeeKind: "service-fee", CancelURL: "javascript:alert(1)"},
			kind: apperr.InvalidArgument,
		},
		{
			name: "unknown invoice",
			ctx:  as("u1"),
			req:  Request{InvoiceID: "missing", FeeKind: "service-fee", CancelURL: "https://app/x"},
			kind: apperr.NotFound,
		},
		{
			name: "someone else's invoice",
			ctx:  as("u2"),
			req:  Request{InvoiceID: "i1", FeeKind: "service-fee", CancelURL: "https://app/x"},
			kind: apperr.PermissionDenied,
		},
		{
			name: "service fee on paid invoice",
			ctx:  as("u1"),
			req:  Request{InvoiceID: "paid", FeeKind: "service-fee", CancelURL: "https://app/x"},
			kind: apperr.Conflict,
		},
		{
			name: "service fee already paid",
			ctx:  as("u1"),
			req:  Request{InvoiceID: "finalized", FeeKind: "service-fee", CancelURL: "https://app/x"},
			kind: apperr.Conflict,
		},
		{
			name: "full payment on paid invoice",
			ctx:  as("u1"),
			req:  Request{InvoiceID: "paid", FeeKind: "full-payment", CancelURL: "https://app/x"},
			kind: apperr.Conflict,
		},
		{
			name: "full payment with zero total",
			ctx:  as("u1"),
			req:  Request{InvoiceID: "i1", FeeKind: "full-payment", CancelURL: "https://app/x"},
			kind: apperr.InvalidArgument,
		},
		{
			name: "registration already paid",
			ctx:  as("u1"),
			req:  Request{InvoiceID: "i1", FeeKind: "registration", CancelURL: "https://app/x"},
			setup: func(f *fixture) {
				err := f.store.RunInTx(context.Background(), func(ctx context.Context, tx invoices.Tx) error {
					return tx.MarkRegistered(ctx, "u1", time.Now())
				})
				require.NoError(t, err)
			},
			kind: apperr.Conflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.invoice(t, &invoices.Invoice{ID: "i1", OwnerID: "u1"})
			f.invoice(t, &invoices.Invoice{ID: "paid", OwnerID: "u1", Status: invoices.StatusPaid, TotalCents: 100})
			f.invoice(t, &invoices.Invoice{ID: "finalized", OwnerID: "u1", Status: invoices.StatusPending, ServiceFeePaid: true, InvoiceNumber: "INV-000001"})
			if tt.setup != nil {
				tt.setup(f)
			}

			_, err := f.initiator.Start(tt.ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err), err.Error())
			assert.Empty(t, f.gateway.requests, "no gateway call on rejection")
		})
	}
}

func TestStart_CancelHostAllowList(t *testing.T) {
	f := newFixture(t, Config{AllowedCancelHosts: []string{"app.example"}})
	f.invoice(t, &invoices.Invoice{ID: "i1", OwnerID: "u1"})

	_, err := f.initiator.Start(as("u1"), Request{InvoiceID: "i1", FeeKind: "service-fee", CancelURL: "https://evil.example/x"})
	assert.True(t, apperr.IsKind(err, apperr.InvalidArgument))
	assert.Empty(t, f.gateway.requests)

	_, err = f.initiator.Start(as("u1"), Request{InvoiceID: "i1", FeeKind: "service-fee", CancelURL: "https://APP.example/x"})
	assert.NoError(t, err)
}

func TestStart_GatewayErrorIsGeneric(t *testing.T) {
	f := newFixture(t, Config{})
	f.gateway.err = errors.New("stripe: card_declined sk_live_secret")
	f.invoice(t, &invoices.Invoice{ID: "i1", OwnerID: "u1"})

	_, err := f.initiator.Start(as("u1"), Request{InvoiceID: "i1", FeeKind: "service-fee", CancelURL: "https://app/x"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.GatewayError))
	assert.NotContains(t, apperr.Public(err), "sk_live")

	open, _ := f.ledger.HasOutstanding(context.Background(), "i1")
	assert.False(t, open)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CheckoutSessionsTotal.WithLabelValues("service-fee", "gateway_error")))
}

type failingLedger struct {
	sessions.Ledger
}

func (failingLedger) MarkOpen(ctx context.Context, invoiceID, sessionID string, ttl time.Duration) error {
	return errors.New("redis down")
}

func TestStart_LedgerFailureDoesNotFail(t *testing.T) {
	f := newFixture(t, Config{})
	f.initiator.ledger = failingLedger{}
	f.invoice(t, &invoices.Invoice{ID: "i1", OwnerID: "u1"})

	res, err := f.initiator.Start(as("u1"), Request{InvoiceID: "i1", FeeKind: "service-fee", CancelURL: "https://app/x"})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", res.SessionID)
}

func TestSuccessURL(t *testing.T) {
	assert.Equal(t,
		"https://app/done?ref=1&invoice_id=a%2Fb&session_id={CHECKOUT_SESSION_ID}",
		successURL("https://app/done?ref=1", "a/b", FeeFullPayment))
}
