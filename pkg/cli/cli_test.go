package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/swiftinvoice/pkg/checkout"
	"github.com/platinummonkey/swiftinvoice/pkg/client"
	"github.com/platinummonkey/swiftinvoice/pkg/identity"
	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
)

type signedIn struct{}

func (signedIn) Subscribe(fn func(*identity.Principal)) func() {
	fn(&identity.Principal{ID: "alice", Email: "alice@example.com"})
	return func() {}
}

func (signedIn) Token() string { return "tok" }

// useServer points connect at srv and captures stdout
func useServer(t *testing.T, srv *httptest.Server) *bytes.Buffer {
	t.Helper()
	oldConnect, oldStdout := connect, stdout
	var out bytes.Buffer
	stdout = &out
	connect = func(ctx context.Context, f *connectionFlags) (*session, error) {
		gate := identity.NewGate(signedIn{})
		return &session{
			client: client.New(srv.URL, gate, signedIn{}),
			gate:   gate,
			close:  gate.Close,
		}, nil
	}
	t.Cleanup(func() { connect, stdout = oldConnect, oldStdout })
	return &out
}

func TestNewRootCommand(t *testing.T) {
	root := NewRootCommand()

	assert.Equal(t, "swiftinvoice", root.Name)
	for _, name := range []string{"invoices", "checkout", "whoami"} {
		assert.Contains(t, root.Subcommands, name)
	}
	assert.Len(t, root.Subcommands, 3)
	assert.Len(t, root.Subcommands["invoices"].Subcommands, 4)
}

func TestDispatch_Usage(t *testing.T) {
	var out bytes.Buffer
	old := stdout
	stdout = &out
	defer func() { stdout = old }()

	root := NewRootCommand()
	for _, args := range [][]string{nil, {"-h"}, {"--HELP"}} {
		out.Reset()
		require.NoError(t, root.Dispatch(args))
		assert.Contains(t, out.String(), "Usage: swiftinvoice <command> [args]")
		assert.Contains(t, out.String(), "checkout")
	}

	out.Reset()
	require.NoError(t, root.Dispatch([]string{"invoices"}))
	assert.Contains(t, out.String(), "Usage: invoices")

	assert.EqualError(t, root.Dispatch([]string{"bogus"}), "unknown command: bogus")
}

func TestParseLineItem(t *testing.T) {
	item, err := parseLineItem("Consulting: phase 1:2.5:12000")
	require.NoError(t, err)
	assert.Equal(t, invoices.LineItem{Description: "Consulting: phase 1", Quantity: 2.5, UnitPriceCents: 12000}, item)

	for _, bad := range []string{"nothing", "one:2", "x:two:3", "x:2:3.5"} {
		_, err := parseLineItem(bad)
		assert.Error(t, err, bad)
	}
}

func TestInvoicesCreate(t *testing.T) {
	var got invoices.Input
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/invoices", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(invoices.Invoice{ID: "inv_1", TotalCents: 2000})
	}))
	defer srv.Close()
	out := useServer(t, srv)

	err := NewRootCommand().Dispatch([]string{"invoices", "create",
		"--client", "Acme", "--item", "Hosting:1:2000", "--item", "Setup:2:0", "--tax", "5"})
	require.NoError(t, err)

	assert.Equal(t, "Acme", got.ClientName)
	assert.Len(t, got.LineItems, 2)
	assert.Equal(t, 5.0, got.TaxRate)
	assert.Contains(t, out.String(), `"id": "inv_1"`)
}

func TestInvoicesCreate_RequiresItems(t *testing.T) {
	err := NewRootCommand().Dispatch([]string{"invoices", "create", "--client", "Acme"})
	assert.EqualError(t, err, "--client and at least one --item are required")
}

func TestInvoicesList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"invoices":[{"id":"inv_1","invoiceNumber":"INV-000001","status":"pending","totalCents":123456,"clientName":"Acme"},{"id":"inv_2","status":"draft","totalCents":5,"clientName":"Beta"}]}`))
	}))
	defer srv.Close()
	out := useServer(t, srv)

	require.NoError(t, NewRootCommand().Dispatch([]string{"invoices", "list"}))
	assert.Contains(t, out.String(), "INV-000001")
	assert.Contains(t, out.String(), "1234.56")
	assert.Contains(t, out.String(), "0.05")
}

func TestCheckout(t *testing.T) {
	var got checkout.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout-sessions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sessionId":"cs_1","url":"https://pay.example/cs_1"}`))
	}))
	defer srv.Close()
	out := useServer(t, srv)

	err := NewRootCommand().Dispatch([]string{"checkout", "--invoice", "inv_1", "--cancel-url", "https://app.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "service-fee", got.FeeKind)
	assert.Contains(t, out.String(), "https://pay.example/cs_1")
}

func TestCheckout_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"invoice is already paid"}`))
	}))
	defer srv.Close()
	useServer(t, srv)

	err := NewRootCommand().Dispatch([]string{"checkout", "--invoice", "inv_1", "--fee", "full-payment", "--cancel-url", "https://app.example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoice is already paid")
}

func TestWhoami(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	out := useServer(t, srv)

	require.NoError(t, NewRootCommand().Dispatch([]string{"whoami"}))
	assert.Contains(t, out.String(), "alice@example.com")
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "0.00", formatCents(0))
	assert.Equal(t, "10.05", formatCents(1005))
	assert.Equal(t, "-1.50", formatCents(-150))
}
