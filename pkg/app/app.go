package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/classbook/pkg/audit"
	"github.com/platinummonkey/classbook/pkg/billing"
	"github.com/platinummonkey/classbook/pkg/billingrun"
	"github.com/platinummonkey/classbook/pkg/config"
	"github.com/platinummonkey/classbook/pkg/notify"
	"github.com/platinummonkey/classbook/pkg/observability"
	"github.com/platinummonkey/classbook/pkg/orgs"
)

// App holds the collaborators shared by the HTTP server and the billing cron
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	Orgs         *orgs.PostgresStore
	Billing      *billing.PostgresStore
	Audit        audit.Logger
	Status       *orgs.StatusManager
	Processor    *billing.StripeProcessor
	Webhooks     *billing.WebhookProcessor
	Notifier     notify.Notifier
	Orchestrator *billingrun.Orchestrator
	Calculator   billing.StatusCalculator

	closers []func() error
}

// OpenDatabase opens and pings the PostgreSQL pool described by cfg
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// New wires every component on top of an open database. The caller keeps
// ownership of db; Close releases everything else.
func New(cfg *config.Config, db *sql.DB, logger *observability.Logger) (*App, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	a := &App{
		Config:     cfg,
		DB:         db,
		Logger:     logger,
		Registry:   prometheus.NewRegistry(),
		Calculator: billing.StatusCalculator{GraceDays: cfg.Billing.GraceDays},
	}
	if cfg.Observability.MetricsEnabled {
		a.Metrics = observability.NewMetrics(a.Registry)
	}

	a.Orgs = orgs.NewPostgresStore(db)
	a.Billing = billing.NewPostgresStore(db)

	dbAudit, err := audit.NewDBLogger(db)
	if err != nil {
		return nil, err
	}
	a.Audit = audit.NewMultiLogger(dbAudit, audit.NewStructuredLogger(logger))
	a.closers = append(a.closers, a.Audit.Close)

	a.Status = orgs.NewStatusManager(a.Orgs, a.Audit, logger).WithMetrics(a.Metrics)
	a.Processor = billing.NewStripeProcessor(cfg.Stripe.SecretKey, cfg.Stripe.PriceID, a.Billing).WithMetrics(a.Metrics)
	a.Webhooks = billing.NewWebhookProcessor(cfg.Stripe.WebhookSecret, a.Billing, a.Status, logger)

	notifier, closeNotifier, err := NewNotifier(cfg.Notify, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Notifier = notifier
	if closeNotifier != nil {
		a.closers = append(a.closers, closeNotifier)
	}

	runCfg := billingrun.Config{
		UnitPriceP:    cfg.Billing.UnitPriceP,
		ChargeTimeout: cfg.Billing.ChargeTimeout,
		Concurrency:   cfg.Billing.Concurrency,
		Location:      cfg.Billing.Location(),
	}
	a.Orchestrator = billingrun.NewOrchestrator(a.Billing, a.Processor, a.Status, a.Notifier, runCfg, logger).
		WithMetrics(a.Metrics)

	return a, nil
}

// NewNotifier selects the staff notification transport. The returned close
// function is nil when the transport holds no resources.
func NewNotifier(cfg config.NotifyConfig, logger *observability.Logger) (notify.Notifier, func() error, error) {
	switch cfg.Driver {
	case "amqp":
		n, err := notify.NewAMQPNotifier(notify.AMQPConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.Exchange,
			RoutingKey: cfg.RoutingKey,
			From:       cfg.FromAddress,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return n, n.Close, nil
	case "log", "":
		return notify.NewLogNotifier(logger, cfg.FromAddress), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}

// Close releases the audit logger and notifier in reverse order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
