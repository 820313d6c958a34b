// Package observability provides structured logging, Prometheus metrics, health checks
// and shutdown helpers shared by the classbook binaries.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("org_id", orgID).Info("organisation paused")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.BillingResultsTotal.WithLabelValues("updated").Inc()
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, nil)
//	checker.AddProbe("rate_limit_store", false, redisStore.HealthCheck)
//	router.HandleFunc("/health/ready", checker.Readiness)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/middleware: Rate limit decision metrics
//   - pkg/billingrun: Billing run metrics
package observability
