package checkout

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// StripeConfig configures the Stripe gateway
type StripeConfig struct {
	SecretKey string
	// BackendURL overrides the API base URL, e.g. for stripe-mock
	BackendURL string
	// MaxNetworkRetries is passed to the stripe-go backend. Zero keeps the
	// library default.
	MaxNetworkRetries int64
}

// StripeGateway creates Stripe Checkout sessions
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway builds a client with its own backends so tests and
// multiple accounts never share stripe-go globals
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}

	backendCfg := &stripe.BackendConfig{
		LeveledLogger: &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}
	if cfg.MaxNetworkRetries > 0 {
		backendCfg.MaxNetworkRetries = stripe.Int64(cfg.MaxNetworkRetries)
	}

	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, backends)
	return &StripeGateway{api: api}, nil
}

// CreateSession implements Gateway
func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripe.String(req.Price.ProductName),
	}
	if req.Price.Description != "" {
		product.Description = stripe.String(req.Price.Description)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		ClientReferenceID:  stripe.String(req.InvoiceID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripe.String(req.Price.Currency),
					UnitAmount:  stripe.Int64(req.Price.AmountCents),
					ProductData: product,
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	cs, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return FromStripe(cs), nil
}

// ListCompleted implements Gateway
func (g *StripeGateway) ListCompleted(ctx context.Context, since time.Time) ([]*Session, error) {
	params := &stripe.CheckoutSessionListParams{}
	params.Context = ctx
	params.Filters.AddFilter("created", "gte", strconv.FormatInt(since.Unix(), 10))
	params.Limit = stripe.Int64(100)

	var out []*Session
	iter := g.api.CheckoutSessions.List(params)
	for iter.Next() {
		cs := iter.CheckoutSession()
		if cs.Status != stripe.CheckoutSessionStatusComplete {
			continue
		}
		out = append(out, FromStripe(cs))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list checkout sessions: %w", err)
	}
	return out, nil
}

// FromStripe converts a decoded Stripe session, e.g. from a webhook event
func FromStripe(cs *stripe.CheckoutSession) *Session {
	s := &Session{
		ID:            cs.ID,
		URL:           cs.URL,
		Status:        string(cs.Status),
		PaymentStatus: string(cs.PaymentStatus),
		AmountTotal:   cs.AmountTotal,
		Currency:      string(cs.Currency),
		Metadata:      cs.Metadata,
	}
	if cs.Created > 0 {
		s.Created = time.Unix(cs.Created, 0).UTC()
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	return s
}
