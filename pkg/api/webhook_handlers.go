package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
	"github.com/platinummonkey/swiftinvoice/pkg/httputil"
	"github.com/platinummonkey/swiftinvoice/pkg/reconcile"
)

// SignatureHeader carries the gateway's webhook signature
const SignatureHeader = "Stripe-Signature"

// WebhookProcessor verifies and applies gateway deliveries.
// *reconcile.Reconciler implements it.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*reconcile.Receipt, error)
}

// WebhookHandlers handles gateway webhook deliveries
type WebhookHandlers struct {
	processor WebhookProcessor
}

// NewWebhookHandlers creates a new WebhookHandlers
func NewWebhookHandlers(processor WebhookProcessor) *WebhookHandlers {
	return &WebhookHandlers{processor: processor}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/stripe", h.Stripe).Methods(http.MethodPost)
}

// Stripe handles one Stripe event delivery. The raw body is passed through
// untouched since the signature covers its exact bytes.
func (h *WebhookHandlers) Stripe(w http.ResponseWriter, r *http.Request) {
	const op = "api.StripeWebhook"

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httputil.WriteAppError(w, r, apperr.Wrap(apperr.MalformedEvent, op, err))
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		httputil.WriteAppError(w, r, apperr.New(apperr.SignatureInvalid, op, "missing "+SignatureHeader+" header"))
		return
	}

	receipt, err := h.processor.HandleWebhook(r.Context(), payload, signature)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, receipt)
}
