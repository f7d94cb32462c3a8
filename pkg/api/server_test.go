package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
	"github.com/platinummonkey/swiftinvoice/pkg/checkout"
	"github.com/platinummonkey/swiftinvoice/pkg/identity"
	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
	"github.com/platinummonkey/swiftinvoice/pkg/middleware"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
	"github.com/platinummonkey/swiftinvoice/pkg/reconcile"
	"github.com/platinummonkey/swiftinvoice/pkg/storage/memory"
)

type stubVerifier map[string]string

func (v stubVerifier) Verify(_ context.Context, token string) (*identity.Principal, error) {
	if id, ok := v[token]; ok {
		return &identity.Principal{ID: id}, nil
	}
	return nil, errors.New("bad token")
}

// mockCheckout is a mock implementation of CheckoutStarter for testing
type mockCheckout struct {
	startFunc func(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

func (m *mockCheckout) Start(ctx context.Context, req checkout.Request) (*checkout.Result, error) {
	if m.startFunc != nil {
		return m.startFunc(ctx, req)
	}
	return &checkout.Result{SessionID: "cs_test", URL: "https://checkout.example/cs_test"}, nil
}

// mockWebhooks is a mock implementation of WebhookProcessor for testing
type mockWebhooks struct {
	handleFunc func(ctx context.Context, payload []byte, signature string) (*reconcile.Receipt, error)
}

func (m *mockWebhooks) HandleWebhook(ctx context.Context, payload []byte, signature string) (*reconcile.Receipt, error) {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, payload, signature)
	}
	return &reconcile.Receipt{Received: true}, nil
}

type harness struct {
	server   *Server
	store    *memory.Store
	checkout *mockCheckout
	webhooks *mockWebhooks
	registry *prometheus.Registry
	metrics  *observability.Metrics
}

func newHarness(t *testing.T, limiter middleware.Limiter) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		checkout: &mockCheckout{},
		webhooks: &mockWebhooks{},
		registry: prometheus.NewRegistry(),
	}
	h.metrics = observability.NewMetrics(h.registry)
	h.server = NewServer(Config{
		Invoices:    invoices.NewService(h.store, nil),
		Checkout:    h.checkout,
		Webhooks:    h.webhooks,
		Verifier:    stubVerifier{"alice-token": "alice", "bob-token": "bob"},
		Limiter:     limiter,
		Metrics:     h.metrics,
		Gatherer:    h.registry,
		Logger:      observability.NewLogger(observability.ErrorLevel, io.Discard),
		CORSOrigins: []string{"https://app.example.com"},
	})
	return h
}

func (h *harness) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func sampleInput() invoices.Input {
	return invoices.Input{
		ClientName: "Acme",
		LineItems:  []invoices.LineItem{{Description: "Work", Quantity: 2, UnitPriceCents: 1500}},
		TaxRate:    10,
	}
}

func TestInvoiceLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/v1/invoices", "alice-token", sampleInput())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created invoices.Invoice
	decode(t, rec, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "alice", created.OwnerID)
	assert.Equal(t, invoices.StatusDraft, created.Status)
	assert.Equal(t, int64(3300), created.TotalCents)
	assert.Empty(t, created.InvoiceNumber)

	rec = h.do(http.MethodGet, "/v1/invoices/"+created.ID, "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	edit := sampleInput()
	edit.LineItems[0].Quantity = 3
	rec = h.do(http.MethodPatch, "/v1/invoices/"+created.ID, "alice-token", edit)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated invoices.Invoice
	decode(t, rec, &updated)
	assert.Equal(t, int64(4950), updated.TotalCents)

	rec = h.do(http.MethodGet, "/v1/invoices?limit=10", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list InvoiceList
	decode(t, rec, &list)
	require.Len(t, list.Invoices, 1)

	rec = h.do(http.MethodDelete, "/v1/invoices/"+created.ID, "alice-token", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(http.MethodGet, "/v1/invoices/"+created.ID, "alice-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvoices_OwnerScoping(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/v1/invoices", "alice-token", sampleInput())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created invoices.Invoice
	decode(t, rec, &created)

	rec = h.do(http.MethodGet, "/v1/invoices/"+created.ID, "bob-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodGet, "/v1/invoices", "bob-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list InvoiceList
	decode(t, rec, &list)
	assert.Empty(t, list.Invoices)
	assert.Contains(t, rec.Body.String(), `"invoices":[]`)
}

func TestInvoices_StatusIsMonotonic(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/v1/invoices", "alice-token", sampleInput())
	var created invoices.Invoice
	decode(t, rec, &created)

	rec = h.do(http.MethodPost, "/v1/invoices/"+created.ID+"/status", "alice-token",
		invoices.StatusInput{Status: invoices.StatusPaid})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/v1/invoices/"+created.ID+"/status", "alice-token",
		invoices.StatusInput{Status: invoices.StatusPending})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInvoices_RequestErrors(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		body       interface{}
		wantStatus int
	}{
		{name: "no token", method: http.MethodGet, path: "/v1/invoices", wantStatus: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/v1/invoices", token: "nope", wantStatus: http.StatusUnauthorized},
		{name: "malformed json", method: http.MethodPost, path: "/v1/invoices", token: "alice-token", body: "{", wantStatus: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/v1/invoices", token: "alice-token", body: `{"owner":"x"}`, wantStatus: http.StatusBadRequest},
		{name: "no line items", method: http.MethodPost, path: "/v1/invoices", token: "alice-token", body: invoices.Input{ClientName: "Acme"}, wantStatus: http.StatusBadRequest},
		{name: "bad limit", method: http.MethodGet, path: "/v1/invoices?limit=ten", token: "alice-token", wantStatus: http.StatusBadRequest},
		{name: "missing invoice", method: http.MethodGet, path: "/v1/invoices/missing", token: "alice-token", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestCheckout_CreateSession(t *testing.T) {
	h := newHarness(t, nil)
	var got checkout.Request
	var principalID string
	h.checkout.startFunc = func(ctx context.Context, req checkout.Request) (*checkout.Result, error) {
		got = req
		if p, ok := identity.FromContext(ctx); ok {
			principalID = p.ID
		}
		return &checkout.Result{SessionID: "cs_1", URL: "https://checkout.example/cs_1"}, nil
	}

	rec := h.do(http.MethodPost, "/v1/checkout-sessions", "alice-token", checkout.Request{
		InvoiceID: "inv_1", FeeKind: "service-fee", CancelURL: "https://app.example.com/invoices/inv_1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result checkout.Result
	decode(t, rec, &result)
	assert.Equal(t, "cs_1", result.SessionID)
	assert.Equal(t, "inv_1", got.InvoiceID)
	assert.Equal(t, "alice", principalID)
}

func TestCheckout_GatewayDetailStaysServerSide(t *testing.T) {
	h := newHarness(t, nil)
	h.checkout.startFunc = func(ctx context.Context, req checkout.Request) (*checkout.Result, error) {
		return nil, apperr.Wrap(apperr.GatewayError, "checkout.Start", errors.New("sk_live_secret rejected"))
	}

	rec := h.do(http.MethodPost, "/v1/checkout-sessions", "alice-token", checkout.Request{
		InvoiceID: "inv_1", FeeKind: "registration", CancelURL: "https://app.example.com",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk_live_secret")
}

func TestCheckout_RateLimited(t *testing.T) {
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})
	h := newHarness(t, limiter)
	req := checkout.Request{InvoiceID: "inv_1", FeeKind: "registration", CancelURL: "https://app.example.com"}

	assert.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/v1/checkout-sessions", "alice-token", req).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(http.MethodPost, "/v1/checkout-sessions", "alice-token", req).Code)
	assert.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/v1/checkout-sessions", "bob-token", req).Code)
}

func TestWebhook_PassesRawBodyAndSignature(t *testing.T) {
	h := newHarness(t, nil)
	var gotPayload []byte
	var gotSig string
	h.webhooks.handleFunc = func(ctx context.Context, payload []byte, signature string) (*reconcile.Receipt, error) {
		gotPayload, gotSig = payload, signature
		return &reconcile.Receipt{Received: true, Duplicate: true}, nil
	}

	body := `{"id":"evt_1",  "type":"checkout.session.completed"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(body))
	req.Header.Set(SignatureHeader, "t=1,v1=abc")
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true,"duplicate":true}`, rec.Body.String())
	assert.Equal(t, body, string(gotPayload))
	assert.Equal(t, "t=1,v1=abc", gotSig)
}

func TestWebhook_Errors(t *testing.T) {
	h := newHarness(t, nil)
	h.webhooks.handleFunc = func(ctx context.Context, payload []byte, signature string) (*reconcile.Receipt, error) {
		switch signature {
		case "bad":
			return nil, apperr.New(apperr.SignatureInvalid, "reconcile", "signature mismatch")
		case "malformed":
			return nil, apperr.New(apperr.MalformedEvent, "reconcile", "unknown invoice")
		default:
			return nil, apperr.Wrap(apperr.PersistenceFailure, "reconcile", errors.New("db down"))
		}
	}

	tests := []struct {
		name       string
		signature  string
		body       string
		wantStatus int
	}{
		{name: "missing signature", body: "{}", wantStatus: http.StatusBadRequest},
		{name: "bad signature", signature: "bad", body: "{}", wantStatus: http.StatusBadRequest},
		{name: "malformed event", signature: "malformed", body: "{}", wantStatus: http.StatusBadRequest},
		{name: "store failure asks for redelivery", signature: "ok", body: "{}", wantStatus: http.StatusInternalServerError},
		{name: "oversized payload", signature: "ok", body: strings.Repeat("x", MaxWebhookBytes+1), wantStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(tt.body))
			if tt.signature != "" {
				req.Header.Set(SignatureHeader, tt.signature)
			}
			rec := httptest.NewRecorder()
			h.server.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestWebhook_NeedsNoBearerToken(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader("{}"))
	req.Header.Set(SignatureHeader, "sig")
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health/ready", "", nil).Code)

	h.do(http.MethodGet, "/v1/invoices", "alice-token", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		h.metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/invoices", "200")))

	rec := h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "swiftinvoice_http_requests_total")
}

func TestServer_RequestIDAndCORS(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/invoices", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
