package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Checkout metrics
	CheckoutSessionsTotal *prometheus.CounterVec
	GatewayDuration       *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal   *prometheus.CounterVec
	WebhookDuplicates    *prometheus.CounterVec
	WebhookDuration      prometheus.Histogram
	TransitionsTotal     *prometheus.CounterVec

	// Numbering metrics
	AllocationsTotal       *prometheus.CounterVec
	AllocationRetriesTotal prometheus.Counter

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swiftinvoice_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swiftinvoice_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		CheckoutSessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swiftinvoice_checkout_sessions_total",
				Help: "Checkout session requests by fee kind and outcome",
			},
			[]string{"fee_kind", "outcome"},
		),
		GatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swiftinvoice_gateway_request_duration_seconds",
				Help:    "Payment gateway call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swiftinvoice_webhook_events_total",
				Help: "Webhook deliveries by event type and response classification",
			},
			[]string{"event_type", "classification"},
		),
		WebhookDuplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swiftinvoice_webhook_duplicates_total",
				Help: "Deliveries short-circuited as already processed",
			},
			[]string{"source"},
		),
		WebhookDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "swiftinvoice_webhook_duration_seconds",
				Help:    "Webhook handling duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swiftinvoice_invoice_transitions_total",
				Help: "Invoice state transitions applied from payments",
			},
			[]string{"fee_kind", "result"},
		),

		AllocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swiftinvoice_number_allocations_total",
				Help: "Invoice number allocations by outcome",
			},
			[]string{"outcome"},
		),
		AllocationRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "swiftinvoice_number_allocation_retries_total",
				Help: "Allocation attempts retried after counter contention",
			},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swiftinvoice_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swiftinvoice_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CheckoutSessionsTotal,
		m.GatewayDuration,
		m.WebhookEventsTotal,
		m.WebhookDuplicates,
		m.WebhookDuration,
		m.TransitionsTotal,
		m.AllocationsTotal,
		m.AllocationRetriesTotal,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
	)

	return m
}

// ObserveStorage records one storage operation
func (m *Metrics) ObserveStorage(operation, backend string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StorageOperationsTotal.WithLabelValues(operation, backend, status).Inc()
	m.StorageOperationDuration.WithLabelValues(operation, backend).Observe(time.Since(start).Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by route template so invoice ids do not explode
// label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeTemplate(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
