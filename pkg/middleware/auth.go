package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
	"github.com/platinummonkey/swiftinvoice/pkg/httputil"
	"github.com/platinummonkey/swiftinvoice/pkg/identity"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
)

// Auth verifies bearer tokens and stores the principal in the request context
type Auth struct {
	verifier identity.TokenVerifier
}

// NewAuth creates the authentication middleware
func NewAuth(verifier identity.TokenVerifier) *Auth {
	return &Auth{verifier: verifier}
}

// Handler wraps an HTTP handler with authentication
func (m *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const op = "middleware.Auth"

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteAppError(w, r, apperr.New(apperr.Unauthenticated, op, "missing authorization header"))
			return
		}

		token, ok := bearerToken(authHeader)
		if !ok {
			httputil.WriteAppError(w, r, apperr.New(apperr.Unauthenticated, op, "invalid authorization header format"))
			return
		}

		principal, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Debug("token rejected")
			httputil.WriteAppError(w, r, apperr.New(apperr.Unauthenticated, op, "invalid or expired token"))
			return
		}

		ctx := identity.NewContext(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Format: "Bearer <token>", scheme case-insensitive
func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
