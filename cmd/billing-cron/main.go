package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/classbook/pkg/app"
	"github.com/platinummonkey/classbook/pkg/billingrun"
	"github.com/platinummonkey/classbook/pkg/config"
	"github.com/platinummonkey/classbook/pkg/observability"
)

var (
	runOnce     = flag.Bool("run-once", false, "Run billing once and exit")
	runDate     = flag.String("date", "", "Run billing as of this day (YYYY-MM-DD). Only used with --run-once")
	metricsAddr = flag.String("metrics-addr", ":9102", "Address for /metrics and health probes; empty disables")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := setupLogger(cfg.Observability.LogLevelName)
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "billing-cron")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel("billing-cron"), logger)
	if err != nil {
		log.Fatalf("Failed to initialise OpenTelemetry: %v", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = observability.ShutdownOTel(shutdownCtx, otelProviders, logger)
	}()

	db, err := app.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	a, err := app.New(cfg, db, logger)
	if err != nil {
		log.Fatalf("Failed to initialise billing: %v", err)
	}
	defer a.Close()

	if *runOnce {
		now := time.Now()
		if *runDate != "" {
			now, err = time.ParseInLocation("2006-01-02", *runDate, cfg.Billing.Location())
			if err != nil {
				log.Fatalf("Invalid date format: %v", err)
			}
		}
		report, err := a.Orchestrator.RunAt(ctx, now)
		if err != nil {
			log.Fatalf("Billing run failed: %v", err)
		}
		logReport(log, report)
		return
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		metricsServer = startMetricsServer(log, a, *metricsAddr)
	}

	c := cron.New(
		cron.WithLocation(cfg.Billing.Location()),
		cron.WithLogger(cron.PrintfLogger(log)),
		cron.WithChain(
			cron.Recover(cron.PrintfLogger(log)),
			cron.SkipIfStillRunning(cron.PrintfLogger(log)),
		),
	)

	_, err = c.AddFunc(cfg.Billing.Schedule, func() {
		log.Info("Starting billing run")
		report, err := a.Orchestrator.Run(ctx)
		if err != nil {
			log.Errorf("Billing run failed: %v", err)
			return
		}
		logReport(log, report)
	})
	if err != nil {
		log.Fatalf("Failed to schedule billing run: %v", err)
	}

	c.Start()
	log.Infof("Billing cron started with schedule %q in %s", cfg.Billing.Schedule, cfg.Billing.Timezone)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutting down gracefully...")

	// Let an in-flight run finish before cancelling its context
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(cfg.Server.ShutdownTimeout):
		log.Warn("Timed out waiting for billing run to finish")
	}
	cancel()

	if metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Metrics server shutdown failed: %v", err)
		}
	}

	log.Info("Billing cron stopped")
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}

func startMetricsServer(log *logrus.Logger, a *app.App, addr string) *http.Server {
	health := observability.NewHealthChecker(a.DB, nil)

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler(a.Registry))
	mux.HandleFunc("/health/live", health.Liveness)
	mux.HandleFunc("/health/ready", health.Readiness)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	log.Infof("Metrics listening on %s", addr)
	return srv
}

func logReport(log *logrus.Logger, report billingrun.Report) {
	log.WithFields(logrus.Fields{
		"run_id":      report.RunID,
		"target_date": report.TargetDate,
		"days":        report.Days,
		"updated":     report.Updated,
		"created":     report.Created,
		"failed":      report.Failed,
		"skipped":     report.Skipped,
		"duration":    report.Duration,
	}).Info("Billing run completed")

	for _, res := range report.Results {
		if res.Status != billingrun.StatusError {
			continue
		}
		log.WithFields(logrus.Fields{
			"org_id":   res.OrgID,
			"org_name": res.OrgName,
		}).Warnf("Organisation billing failed: %s", res.Error)
	}
}
