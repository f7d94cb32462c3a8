package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/swiftinvoice/pkg/checkout"
	"github.com/platinummonkey/swiftinvoice/pkg/httputil"
	"github.com/platinummonkey/swiftinvoice/pkg/middleware"
)

// CheckoutStarter opens hosted checkout sessions. *checkout.Initiator
// implements it.
type CheckoutStarter interface {
	Start(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

// CheckoutHandlers handles checkout session requests
type CheckoutHandlers struct {
	starter CheckoutStarter
	limiter middleware.Limiter
}

// NewCheckoutHandlers creates a new CheckoutHandlers. limiter may be nil.
func NewCheckoutHandlers(starter CheckoutStarter, limiter middleware.Limiter) *CheckoutHandlers {
	return &CheckoutHandlers{starter: starter, limiter: limiter}
}

// RegisterRoutes registers checkout routes
func (h *CheckoutHandlers) RegisterRoutes(router *mux.Router) {
	var handler http.Handler = http.HandlerFunc(h.CreateSession)
	if h.limiter != nil {
		handler = middleware.RateLimit(h.limiter)(handler)
	}
	router.Handle("/checkout-sessions", handler).Methods(http.MethodPost)
}

// CreateSession starts a checkout for one fee and returns the redirect URL
func (h *CheckoutHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	result, err := h.starter.Start(r.Context(), req)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteCreated(w, result)
}
