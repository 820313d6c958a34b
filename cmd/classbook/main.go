package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/classbook/pkg/api"
	"github.com/platinummonkey/classbook/pkg/app"
	"github.com/platinummonkey/classbook/pkg/config"
	"github.com/platinummonkey/classbook/pkg/middleware"
	"github.com/platinummonkey/classbook/pkg/observability"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "classbook")
	logger.Info("Starting classbook billing service")

	ctx := context.Background()

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel("classbook"), logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialise OpenTelemetry")
		os.Exit(1)
	}

	db, err := app.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}

	a, err := app.New(cfg, db, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialise services")
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = newRedisClient(cfg.Redis)
		if err != nil {
			logger.WithError(err).Error("Invalid Redis configuration")
			os.Exit(1)
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Rate limiting fails open, so an unreachable Redis is not fatal
			logger.WithError(err).Warn("Redis is unreachable, rate limits will admit requests until it recovers")
		}
	}

	health := observability.NewHealthChecker(db, nil)

	var standard, strict *middleware.Limiter
	var memStore *middleware.MemoryStore
	if cfg.RateLimit.Enabled {
		var store middleware.WindowStore
		if redisClient != nil {
			redisStore := middleware.NewRedisStore(redisClient, "classbook:ratelimit")
			health.AddProbe("rate_limit_store", false, redisStore.HealthCheck)
			store = redisStore
			logger.Info("Using Redis rate limit store")
		} else {
			memStore = middleware.NewMemoryStore(cfg.RateLimit.SweepInterval)
			memStore.Start(ctx)
			store = memStore
			logger.Info("Using in-memory rate limit store")
		}
		standard = middleware.NewLimiter(middleware.StandardPolicy(), store).WithMetrics(a.Metrics).WithLogger(logger)
		strict = middleware.NewLimiter(middleware.StrictPolicy(), store).WithMetrics(a.Metrics).WithLogger(logger)
	}

	proxies, err := cfg.RateLimit.Proxies()
	if err != nil {
		logger.WithError(err).Error("Invalid trusted proxy configuration")
		os.Exit(1)
	}

	calc := a.Calculator
	server := api.NewServer(api.Config{
		Orgs:            a.Orgs,
		Payments:        a.Billing,
		Status:          a.Status,
		Runner:          a.Orchestrator,
		Webhooks:        a.Webhooks,
		Audit:           a.Audit,
		Calculator:      &calc,
		Location:        cfg.Billing.Location(),
		StandardLimiter: standard,
		StrictLimiter:   strict,
		TrustedProxies:  proxies,
		Health:          health,
		Metrics:         a.Metrics,
		Gatherer:        a.Registry,
		Logger:          logger,
		AnchorCacheTTL:  cfg.Billing.AnchorCacheTTL,
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	if memStore != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			memStore.Stop()
			return nil
		})
	}
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return a.Close()
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return db.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	go func() {
		logger.Infof("Listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return redis.NewClient(opts), nil
}
