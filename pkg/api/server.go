package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/swiftinvoice/pkg/httputil"
	"github.com/platinummonkey/swiftinvoice/pkg/identity"
	"github.com/platinummonkey/swiftinvoice/pkg/middleware"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
)

// MaxWebhookBytes bounds gateway webhook payloads
const MaxWebhookBytes = 64 << 10

// maxRequestBytes bounds JSON bodies on authenticated routes
const maxRequestBytes = 1 << 20

// Config wires the server to its collaborators. Limiter, Health, Metrics
// and Gatherer are optional.
type Config struct {
	Invoices InvoiceService
	Checkout CheckoutStarter
	Webhooks WebhookProcessor
	Verifier identity.TokenVerifier

	Limiter  middleware.Limiter
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   *observability.Logger

	CORSOrigins []string
}

// Server represents our API server
type Server struct {
	router  *mux.Router
	handler http.Handler
	logger  *observability.Logger
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
	}
	s.setupRoutes(cfg)

	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.CORSMiddleware(cfg.CORSOrigins),
	)(s.router)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(cfg Config) {
	if cfg.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics))
	}

	health := cfg.Health
	if health == nil {
		health = observability.NewHealthChecker("")
	}
	s.router.HandleFunc("/health/live", health.Liveness).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", health.Readiness).Methods(http.MethodGet)
	if cfg.Gatherer != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(cfg.Gatherer)).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// The gateway authenticates with its signature, not a bearer token.
	webhooks := v1.PathPrefix("/webhooks").Subrouter()
	webhooks.Use(httputil.MaxBytesMiddleware(MaxWebhookBytes))
	s.RegisterRoutes(webhooks, NewWebhookHandlers(cfg.Webhooks))

	authed := v1.NewRoute().Subrouter()
	authed.Use(httputil.MaxBytesMiddleware(maxRequestBytes))
	authed.Use(middleware.NewAuth(cfg.Verifier).Handler)
	s.RegisterRoutes(authed, NewInvoiceHandlers(cfg.Invoices))
	s.RegisterRoutes(authed, NewCheckoutHandlers(cfg.Checkout, cfg.Limiter))
}

// RegisterRoutes registers routes from a RouteRegistrar
func (s *Server) RegisterRoutes(router *mux.Router, registrar RouteRegistrar) {
	registrar.RegisterRoutes(router)
}

// Router exposes the underlying router for tests and extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Instrumented wraps the server for OpenTelemetry HTTP tracing
func (s *Server) Instrumented(serviceName string) http.Handler {
	return otelhttp.NewHandler(s, serviceName)
}
