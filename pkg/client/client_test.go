package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/swiftinvoice/pkg/checkout"
	"github.com/platinummonkey/swiftinvoice/pkg/identity"
	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
)

type manualProvider struct {
	mu sync.Mutex
	fn func(*identity.Principal)
}

func (p *manualProvider) Subscribe(fn func(*identity.Principal)) func() {
	p.mu.Lock()
	p.fn = fn
	p.mu.Unlock()
	return func() {}
}

func (p *manualProvider) emit(principal *identity.Principal) {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	fn(principal)
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

func TestClient_WaitsForGateBeforeFirstCall(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/invoices", r.URL.Path)

		var in invoices.Input
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(invoices.Invoice{ID: "inv_1", ClientName: in.ClientName, Status: invoices.StatusDraft})
	}))
	defer srv.Close()

	provider := &manualProvider{}
	gate := identity.NewGate(provider)
	c := New(srv.URL, gate, staticToken("tok"))

	go func() {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		assert.Zero(t, calls, "no request before the gate is ready")
		mu.Unlock()
		provider.emit(&identity.Principal{ID: "alice"})
	}()

	inv, err := c.CreateInvoice(context.Background(), invoices.Input{ClientName: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "inv_1", inv.ID)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestClient_ReadyTimeout(t *testing.T) {
	gate := identity.NewGate(&manualProvider{})
	c := New("http://127.0.0.1:1", gate, staticToken("tok"), WithReadyTimeout(20*time.Millisecond))

	_, err := c.ListInvoices(context.Background(), 10)
	assert.True(t, errors.Is(err, identity.ErrNotReady))
}

func TestClient_SignedOut(t *testing.T) {
	provider := &manualProvider{}
	gate := identity.NewGate(provider)
	provider.emit(nil)

	c := New("http://127.0.0.1:1", gate, staticToken(""))
	_, err := c.GetInvoice(context.Background(), "inv_1")
	assert.True(t, errors.Is(err, ErrSignedOut))
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"invoice already paid"}`))
	}))
	defer srv.Close()

	provider := &manualProvider{}
	gate := identity.NewGate(provider)
	provider.emit(&identity.Principal{ID: "alice"})
	c := New(srv.URL, gate, staticToken("tok"))

	_, err := c.StartCheckout(context.Background(), checkout.Request{InvoiceID: "inv_1", FeeKind: "full-payment"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invoice already paid", apiErr.Message)
}

func TestClient_ListAndDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			w.Write([]byte(`{"invoices":[{"id":"a"},{"id":"b"}]}`))
		case http.MethodDelete:
			assert.Equal(t, "/v1/invoices/a", r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	provider := &manualProvider{}
	gate := identity.NewGate(provider)
	provider.emit(&identity.Principal{ID: "alice"})
	c := New(srv.URL+"/", gate, staticToken("tok"))

	list, err := c.ListInvoices(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[1].ID)

	require.NoError(t, c.DeleteInvoice(context.Background(), "a"))
}
