package identity

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"github.com/coreos/go-oidc/v3/oidc"
	"google.golang.org/api/option"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
)

// idTokenVerifier is the part of *auth.Client used here
type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// FirebaseVerifier verifies Firebase Authentication ID tokens
type FirebaseVerifier struct {
	client idTokenVerifier
}

// NewFirebaseVerifier initializes the Firebase Admin SDK for projectID
func NewFirebaseVerifier(ctx context.Context, projectID string, opts ...option.ClientOption) (*FirebaseVerifier, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase auth client: %w", err)
	}
	return &FirebaseVerifier{client: client}, nil
}

// Verify implements TokenVerifier
func (v *FirebaseVerifier) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, apperr.New(apperr.Unauthenticated, "identity.Verify", "missing token")
	}

	token, err := v.client.VerifyIDToken(ctx, rawToken)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.Unauthenticated, Op: "identity.Verify", Message: "invalid token", Err: err}
	}

	p := &Principal{ID: token.UID}
	if email, ok := token.Claims["email"].(string); ok {
		p.Email = email
	}
	if verified, ok := token.Claims["email_verified"].(bool); ok {
		p.EmailVerified = verified
	}
	return p, nil
}

// OIDCVerifier verifies ID tokens from an OpenID Connect issuer. Firebase
// tokens can be verified this way too, with issuer
// https://securetoken.google.com/<project> and the project id as client id.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers issuer's keys
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC issuer %s: %w", issuer, err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// NewOIDCVerifierFromKeySet builds a verifier with a fixed key set
func NewOIDCVerifierFromKeySet(issuer, clientID string, keySet oidc.KeySet) *OIDCVerifier {
	return &OIDCVerifier{verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: clientID})}
}

// Verify implements TokenVerifier
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, apperr.New(apperr.Unauthenticated, "identity.Verify", "missing token")
	}

	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.Unauthenticated, Op: "identity.Verify", Message: "invalid token", Err: err}
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, &apperr.Error{Kind: apperr.Unauthenticated, Op: "identity.Verify", Message: "invalid token claims", Err: err}
	}

	return &Principal{ID: idToken.Subject, Email: claims.Email, EmailVerified: claims.EmailVerified}, nil
}
