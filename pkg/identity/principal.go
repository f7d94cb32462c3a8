package identity

import (
	"context"
	"errors"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
	"github.com/platinummonkey/swiftinvoice/pkg/contextkeys"
)

// Principal is an authenticated caller
type Principal struct {
	ID            string `json:"id"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
}

// ErrNotReady is returned by Gate.Wait when the provider has not delivered
// its first notification before the context ended.
var ErrNotReady = errors.New("identity provider has not reported an initial state")

// TokenVerifier turns a raw bearer token into a principal
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Principal, error)
}

// NewContext stores the principal in ctx
func NewContext(ctx context.Context, p *Principal) context.Context {
	ctx = contextkeys.WithPrincipal(ctx, p)
	return contextkeys.WithPrincipalID(ctx, p.ID)
}

// FromContext returns the principal stored by the auth middleware
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	if !ok || p == nil || p.ID == "" {
		return nil, false
	}
	return p, true
}

// Require returns the principal in ctx or an Unauthenticated error
func Require(ctx context.Context, op string) (*Principal, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return nil, apperr.New(apperr.Unauthenticated, op, "authentication required")
	}
	return p, nil
}
