// Package client is a Go client for the swiftinvoice HTTP API.
//
// Every authenticated call first waits for the identity gate to report its
// initial state, bounded by the ready timeout, so a caller never acts on a
// principal that has not loaded yet:
//
//	provider := identity.NewFileProvider(credPath, verifier, logger)
//	go provider.Run(ctx)
//	gate := identity.NewGate(provider)
//	c := client.New("https://api.example.com", gate, provider)
//	inv, err := c.CreateInvoice(ctx, input)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/swiftinvoice/pkg/api"
	"github.com/platinummonkey/swiftinvoice/pkg/checkout"
	"github.com/platinummonkey/swiftinvoice/pkg/identity"
	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
)

// DefaultReadyTimeout bounds the wait for the identity gate
const DefaultReadyTimeout = 10 * time.Second

// ErrSignedOut is returned when the gate is ready but nobody is signed in
var ErrSignedOut = errors.New("not signed in")

// TokenSource returns the bearer token of the current principal
type TokenSource interface {
	Token() string
}

// Readiness is the part of identity.Gate the client needs
type Readiness interface {
	Wait(ctx context.Context) error
	Current() (*identity.Principal, bool)
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Client calls the swiftinvoice API on behalf of the gate's principal
type Client struct {
	baseURL      string
	httpClient   *http.Client
	gate         Readiness
	tokens       TokenSource
	readyTimeout time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithReadyTimeout bounds how long the first call waits for the gate
func WithReadyTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readyTimeout = d
		}
	}
}

// New creates a client for the API at baseURL
func New(baseURL string, gate Readiness, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		gate:         gate,
		tokens:       tokens,
		readyTimeout: DefaultReadyTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AwaitPrincipal waits for the gate and returns the signed-in principal
func (c *Client) AwaitPrincipal(ctx context.Context) (*identity.Principal, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()
	if err := c.gate.Wait(waitCtx); err != nil {
		return nil, err
	}
	principal, ok := c.gate.Current()
	if !ok {
		return nil, ErrSignedOut
	}
	return principal, nil
}

// CreateInvoice creates a draft invoice
func (c *Client) CreateInvoice(ctx context.Context, in invoices.Input) (*invoices.Invoice, error) {
	var inv invoices.Invoice
	if err := c.do(ctx, http.MethodPost, "/v1/invoices", in, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// ListInvoices lists the caller's invoices, newest first
func (c *Client) ListInvoices(ctx context.Context, limit int) ([]*invoices.Invoice, error) {
	path := "/v1/invoices"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var list api.InvoiceList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Invoices, nil
}

// GetInvoice fetches one invoice
func (c *Client) GetInvoice(ctx context.Context, id string) (*invoices.Invoice, error) {
	var inv invoices.Invoice
	if err := c.do(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(id), nil, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// DeleteInvoice deletes a draft
func (c *Client) DeleteInvoice(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/invoices/"+url.PathEscape(id), nil, nil)
}

// StartCheckout opens a checkout session and returns the redirect URL
func (c *Client) StartCheckout(ctx context.Context, req checkout.Request) (*checkout.Result, error) {
	var result checkout.Result
	if err := c.do(ctx, http.MethodPost, "/v1/checkout-sessions", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if _, err := c.AwaitPrincipal(ctx); err != nil {
		return err
	}
	token := c.tokens.Token()
	if token == "" {
		return ErrSignedOut
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err := json.Unmarshal(data, &errBody); err != nil || errBody.Error == "" {
			errBody.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errBody.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
