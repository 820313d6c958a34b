package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Rate limiting
	RateLimitDecisionsTotal *prometheus.CounterVec
	RateLimitStoreErrors    *prometheus.CounterVec

	// Billing run metrics
	BillingRunsTotal       *prometheus.CounterVec
	BillingRunDuration     prometheus.Histogram
	BillingResultsTotal    *prometheus.CounterVec
	BillingUnitsBilled     prometheus.Counter
	ChargeProcessorLatency *prometheus.HistogramVec

	// Organisation lifecycle
	OrgTransitionsTotal   *prometheus.CounterVec
	PaymentEventsTotal    *prometheus.CounterVec
	PaymentStatusComputed *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classbook_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "classbook_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classbook_ratelimit_decisions_total",
				Help: "Rate limiter decisions by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),
		RateLimitStoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classbook_ratelimit_store_errors_total",
				Help: "Window store failures (requests were allowed)",
			},
			[]string{"policy"},
		),

		BillingRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classbook_billing_runs_total",
				Help: "Billing cron runs by outcome",
			},
			[]string{"outcome"},
		),
		BillingRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "classbook_billing_run_duration_seconds",
				Help:    "Billing cron run duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		BillingResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classbook_billing_results_total",
				Help: "Per-organisation billing results",
			},
			[]string{"status"},
		),
		BillingUnitsBilled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "classbook_billing_units_billed_total",
				Help: "Billable units pushed to the payment processor",
			},
		),
		ChargeProcessorLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "classbook_charge_processor_duration_seconds",
				Help:    "Payment processor call latency",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		OrgTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classbook_org_status_transitions_total",
				Help: "Organisation status transitions",
			},
			[]string{"from", "to"},
		),
		PaymentEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classbook_payment_events_total",
				Help: "Payment success/failure events handled by the status manager",
			},
			[]string{"kind"},
		),
		PaymentStatusComputed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classbook_payment_status_computed_total",
				Help: "Effective payment statuses derived on read paths",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitDecisionsTotal,
		m.RateLimitStoreErrors,
		m.BillingRunsTotal,
		m.BillingRunDuration,
		m.BillingResultsTotal,
		m.BillingUnitsBilled,
		m.ChargeProcessorLatency,
		m.OrgTransitionsTotal,
		m.PaymentEventsTotal,
		m.PaymentStatusComputed,
	)

	return m
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
// routeName maps a request to a low-cardinality label (usually the mux path template).
func HTTPMetricsMiddleware(metrics *Metrics, routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeName != nil {
				route = routeName(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler returns the /metrics handler for a registry
func MetricsHandler(registry prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
