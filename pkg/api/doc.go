// Package api provides the HTTP REST API server for swiftinvoice.
//
// # Overview
//
// The server exposes owner-scoped invoice management, checkout session
// creation for the three fee kinds, and the unauthenticated endpoint the
// payment gateway delivers webhooks to. Routing is gorilla/mux; every
// handler reports failures through httputil.WriteAppError so the status
// code and caller-visible message come from the apperr kind alone.
//
// # Endpoints
//
//	POST   /v1/invoices                  - Create draft invoice
//	GET    /v1/invoices?limit=N          - List own invoices, newest first
//	GET    /v1/invoices/{id}             - Get own invoice
//	PATCH  /v1/invoices/{id}             - Edit a draft
//	DELETE /v1/invoices/{id}             - Delete a draft
//	POST   /v1/invoices/{id}/status      - Manual forward status change
//	POST   /v1/checkout-sessions         - Start checkout {invoiceId, feeKind, cancelUrl}
//	POST   /v1/webhooks/stripe           - Gateway webhook (Stripe-Signature, 64 KiB max)
//	GET    /health/live                  - Liveness probe
//	GET    /health/ready                 - Readiness probe
//	GET    /metrics                      - Prometheus metrics
//
// Everything under /v1 except the webhook requires an
// "Authorization: Bearer <token>" header verified by the configured
// identity.TokenVerifier.
//
// # Usage
//
//	srv := api.NewServer(api.Config{
//		Invoices: invoices.NewService(store, ledger),
//		Checkout: initiator,
//		Webhooks: reconciler,
//		Verifier: verifier,
//		Logger:   logger,
//	})
//	http.ListenAndServe(":8080", srv.Instrumented("swiftinvoice"))
//
// The handler types depend on small interfaces (InvoiceService,
// CheckoutStarter, WebhookProcessor) so tests can substitute fakes.
package api
