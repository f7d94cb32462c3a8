package checkout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stripeStub records requests made by stripe-go against a local server
type stripeStub struct {
	mu       sync.Mutex
	forms    []url.Values
	queries  []url.Values
	idemKeys []string
	status   int
}

func (s *stripeStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		if s.status != 0 {
			w.WriteHeader(s.status)
			w.Write([]byte(`{"error":{"type":"api_error","message":"upstream exploded"}}`))
			return
		}

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/checkout/sessions":
			require.NoError(t, r.ParseForm())
			s.forms = append(s.forms, r.PostForm)
			s.idemKeys = append(s.idemKeys, r.Header.Get("Idempotency-Key"))
			w.Write([]byte(`{"id":"cs_test_a1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_a1","status":"open","payment_status":"unpaid"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/checkout/sessions":
			s.queries = append(s.queries, r.URL.Query())
			w.Write([]byte(`{
				"object": "list",
				"url": "/v1/checkout/sessions",
				"has_more": false,
				"data": [
					{"id":"cs_done","object":"checkout.session","status":"complete","payment_status":"paid","amount_total":100,"currency":"usd","created":1700000000,"metadata":{"invoice_id":"i1","payment_type":"service_fee"}},
					{"id":"cs_open","object":"checkout.session","status":"open","payment_status":"unpaid","amount_total":100,"currency":"usd","created":1700000100,"metadata":{"invoice_id":"i2"}}
				]
			}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"no route"}}`))
		}
	})
}

func newStubGateway(t *testing.T) (*StripeGateway, *stripeStub) {
	t.Helper()
	stub := &stripeStub{}
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)

	gw, err := NewStripeGateway(StripeConfig{SecretKey: "sk_test_123", BackendURL: srv.URL})
	require.NoError(t, err)
	return gw, stub
}

func TestNewStripeGateway_RequiresKey(t *testing.T) {
	_, err := NewStripeGateway(StripeConfig{})
	assert.Error(t, err)
}

func TestStripeGateway_CreateSession(t *testing.T) {
	gw, stub := newStubGateway(t)

	session, err := gw.CreateSession(context.Background(), SessionRequest{
		InvoiceID: "i1",
		Kind:      FeeService,
		Price: Price{
			AmountCents: 100,
			Currency:    "usd",
			ProductName: "Invoice Finalization Fee",
			Description: "One-time fee to finalize and send invoice i1",
		},
		SuccessURL:     "https://app/ok?invoice_id=i1&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      "https://app/x",
		Metadata:       map[string]string{MetaInvoiceID: "i1", MetaPaymentType: "service_fee"},
		IdempotencyKey: "checkout-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_a1", session.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_a1", session.URL)
	assert.False(t, session.Paid())

	require.Len(t, stub.forms, 1)
	form := stub.forms[0]
	assert.Equal(t, "payment", form.Get("mode"))
	assert.Equal(t, "i1", form.Get("metadata[invoice_id]"))
	assert.Equal(t, "service_fee", form.Get("metadata[payment_type]"))
	assert.Equal(t, "i1", form.Get("client_reference_id"))
	assert.Equal(t, "100", form.Get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "usd", form.Get("line_items[0][price_data][currency]"))
	assert.Equal(t, "1", form.Get("line_items[0][quantity]"))
	assert.Equal(t, "Invoice Finalization Fee", form.Get("line_items[0][price_data][product_data][name]"))
	assert.Equal(t, "https://app/x", form.Get("cancel_url"))
	assert.Equal(t, "https://app/ok?invoice_id=i1&session_id={CHECKOUT_SESSION_ID}", form.Get("success_url"))
	assert.Equal(t, "checkout-abc", stub.idemKeys[0])
}

func TestStripeGateway_CreateSessionError(t *testing.T) {
	gw, stub := newStubGateway(t)
	stub.status = http.StatusBadRequest

	_, err := gw.CreateSession(context.Background(), SessionRequest{
		InvoiceID: "i1",
		Price:     Price{AmountCents: 100, Currency: "usd", ProductName: "x"},
	})
	assert.Error(t, err)
}

func TestStripeGateway_ListCompleted(t *testing.T) {
	gw, stub := newStubGateway(t)
	since := time.Unix(1699999000, 0)

	list, err := gw.ListCompleted(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, list, 1, "open sessions are filtered out")

	s := list[0]
	assert.Equal(t, "cs_done", s.ID)
	assert.True(t, s.Paid())
	assert.Equal(t, int64(100), s.AmountTotal)
	assert.Equal(t, "usd", s.Currency)
	assert.Equal(t, "i1", s.Metadata[MetaInvoiceID])
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), s.Created)

	require.Len(t, stub.queries, 1)
	assert.Equal(t, "1699999000", stub.queries[0].Get("created[gte]"))
}
