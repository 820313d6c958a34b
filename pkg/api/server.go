package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/classbook/pkg/audit"
	"github.com/platinummonkey/classbook/pkg/billing"
	"github.com/platinummonkey/classbook/pkg/billingrun"
	"github.com/platinummonkey/classbook/pkg/httputil"
	"github.com/platinummonkey/classbook/pkg/middleware"
	"github.com/platinummonkey/classbook/pkg/observability"
	"github.com/platinummonkey/classbook/pkg/orgs"
)

// OrgStore reads organisations and persists billing anchors
type OrgStore interface {
	GetOrganization(ctx context.Context, id int64) (*orgs.Organization, error)
	UpdateBillingDay(ctx context.Context, id int64, billingDay, feeDueDay int) error
}

// PaymentRecordStore lists monthly fee obligations
type PaymentRecordStore interface {
	ListPaymentRecords(ctx context.Context, orgID int64, month string) ([]billing.MonthlyPaymentRecord, error)
}

// StatusService is the part of orgs.StatusManager exposed over HTTP
type StatusService interface {
	Reactivate(ctx context.Context, orgID int64, actor string) (*orgs.Outcome, error)
	CheckAutoDeactivateConditions(ctx context.Context, orgID int64) (orgs.AutoDeactivateCheck, error)
}

// BillingRunner triggers the billing job
type BillingRunner interface {
	Run(ctx context.Context) (billingrun.Report, error)
	RunAt(ctx context.Context, now time.Time) (billingrun.Report, error)
}

// WebhookProcessor verifies and applies processor webhooks
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signature string) (*billing.WebhookResult, error)
}

// Config wires the server's collaborators. Nil limiters disable rate limiting.
type Config struct {
	Orgs     OrgStore
	Payments PaymentRecordStore
	Status   StatusService
	Runner   BillingRunner
	Webhooks WebhookProcessor
	Audit    audit.Logger
	// Calculator defaults to billing.DefaultStatusCalculator
	Calculator *billing.StatusCalculator
	// Location is the billing timezone used to read admin run dates; UTC when nil
	Location *time.Location

	StandardLimiter *middleware.Limiter
	StrictLimiter   *middleware.Limiter
	// TrustedProxies may set the client address through forwarding headers
	TrustedProxies *middleware.TrustedProxies

	// TracerProvider defaults to the global provider
	TracerProvider trace.TracerProvider

	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   *observability.Logger

	AnchorCacheSize int
	AnchorCacheTTL  time.Duration
	Now             func() time.Time
}

// Server is the HTTP surface of the billing engine
type Server struct {
	cfg     Config
	router  *mux.Router
	anchors *expirable.LRU[int64, int]
}

// NewServer builds the router
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NoOpLogger()
	}
	if cfg.Calculator == nil {
		calc := billing.DefaultStatusCalculator
		cfg.Calculator = &calc
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.AnchorCacheSize <= 0 {
		cfg.AnchorCacheSize = 4096
	}
	if cfg.AnchorCacheTTL <= 0 {
		cfg.AnchorCacheTTL = 5 * time.Minute
	}

	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		anchors: expirable.NewLRU[int64, int](cfg.AnchorCacheSize, nil, cfg.AnchorCacheTTL),
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(
		otelhttp.NewMiddleware("classbook",
			otelhttp.WithTracerProvider(s.cfg.TracerProvider),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + routeTemplate(r)
			}),
		),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.cfg.Logger),
		httputil.RecoveryMiddleware(s.cfg.Logger),
		observability.HTTPMetricsMiddleware(s.cfg.Metrics, routeTemplate),
	)

	// Probes and scrapes are not rate limited
	if s.cfg.Health != nil {
		s.router.HandleFunc("/health/live", s.cfg.Health.Liveness).Methods(http.MethodGet)
		s.router.HandleFunc("/health/ready", s.cfg.Health.Readiness).Methods(http.MethodGet)
	}
	if s.cfg.Gatherer != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.cfg.Gatherer)).Methods(http.MethodGet)
	}

	admin := s.router.PathPrefix("/admin").Subrouter()
	if s.cfg.StrictLimiter != nil {
		admin.Use(s.rateLimit(s.cfg.StrictLimiter))
	}
	NewAdminHandlers(s.cfg.Status, s.cfg.Runner, s.cfg.Location, s.cfg.Logger).RegisterRoutes(admin)

	public := s.router.NewRoute().Subrouter()
	if s.cfg.StandardLimiter != nil {
		public.Use(s.rateLimit(s.cfg.StandardLimiter))
	}
	NewOrgHandlers(s).RegisterRoutes(public)
	NewWebhookHandlers(s.cfg.Webhooks, s.cfg.Logger).RegisterRoutes(public)
}

func (s *Server) rateLimit(limiter *middleware.Limiter) mux.MiddlewareFunc {
	return middleware.NewRateLimitMiddleware(limiter).WithTrustedProxies(s.cfg.TrustedProxies).Handler
}

// routeTemplate labels metrics with the mux path template
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// billingDay resolves an organisation's anchor through the cache
func (s *Server) billingDay(ctx context.Context, orgID int64) (int, error) {
	if day, ok := s.anchors.Get(orgID); ok {
		return day, nil
	}
	org, err := s.cfg.Orgs.GetOrganization(ctx, orgID)
	if err != nil {
		return 0, err
	}
	day := billing.ResolveBillingDay(org)
	s.anchors.Add(orgID, day)
	return day, nil
}

func (s *Server) forgetBillingDay(orgID int64) {
	s.anchors.Remove(orgID)
}
