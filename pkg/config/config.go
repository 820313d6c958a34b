package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/classbook/pkg/billing"
	"github.com/platinummonkey/classbook/pkg/middleware"
	"github.com/platinummonkey/classbook/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Stripe        StripeConfig        `yaml:"stripe"`
	Notify        NotifyConfig        `yaml:"notify"`
	Billing       BillingConfig       `yaml:"billing"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds the Redis settings for the shared rate-limit window store.
// An empty URL selects the in-memory store.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// StripeConfig holds payment processor credentials
type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	PriceID       string `yaml:"price_id"`
}

// NotifyConfig selects how staff notifications are delivered
type NotifyConfig struct {
	// Driver is "amqp" or "log"
	Driver      string `yaml:"driver"`
	AMQPURL     string `yaml:"amqp_url"`
	Exchange    string `yaml:"exchange"`
	RoutingKey  string `yaml:"routing_key"`
	FromAddress string `yaml:"from_address"`
}

// BillingConfig holds the cron orchestrator and status calculator settings
type BillingConfig struct {
	Schedule       string        `yaml:"schedule"`
	Timezone       string        `yaml:"timezone"`
	UnitPriceP     int64         `yaml:"unit_price_p"`
	ChargeTimeout  time.Duration `yaml:"charge_timeout"`
	Concurrency    int           `yaml:"concurrency"`
	GraceDays      int           `yaml:"grace_days"`
	AnchorCacheTTL time.Duration `yaml:"anchor_cache_ttl"`
}

// RateLimitConfig holds limiter settings
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means key on the connection peer.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel `yaml:"-"`
	LogLevelName   string                 `yaml:"log_level"`
	MetricsEnabled bool                   `yaml:"metrics_enabled"`
	OTelEnabled    bool                   `yaml:"otel_enabled"`
	OTelEndpoint   string                 `yaml:"otel_endpoint"`
	OTelInsecure   bool                   `yaml:"otel_insecure"`
	ServiceVersion string                 `yaml:"service_version"`
}

// LoadConfig loads configuration from environment variables. When CLASSBOOK_CONFIG_FILE
// names a YAML file it is applied first and environment variables override it.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv("CLASSBOOK_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		Notify: NotifyConfig{
			Driver:      "log",
			Exchange:    "classbook.notifications",
			RoutingKey:  "staff.billing",
			FromAddress: "billing@classbook.local",
		},
		Billing: BillingConfig{
			Schedule:       "0 2 * * *",
			Timezone:       "UTC",
			UnitPriceP:     150,
			ChargeTimeout:  30 * time.Second,
			Concurrency:    8,
			GraceDays:      billing.GracePeriodDays,
			AnchorCacheTTL: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			SweepInterval: time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.InfoLevel,
			LogLevelName:   "info",
			MetricsEnabled: true,
			OTelEndpoint:   "localhost:4317",
			OTelInsecure:   true,
			ServiceVersion: "dev",
		},
	}
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	c.Observability.LogLevel = observability.ParseLogLevel(c.Observability.LogLevelName)
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("CLASSBOOK_HOST", c.Server.Host)
	c.Server.Port = getEnv("CLASSBOOK_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("CLASSBOOK_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("CLASSBOOK_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("CLASSBOOK_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("CLASSBOOK_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Database.URL = getEnv("CLASSBOOK_DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = getEnvInt("CLASSBOOK_DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvInt("CLASSBOOK_DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = getEnvDuration("CLASSBOOK_DATABASE_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)

	c.Redis.URL = getEnv("CLASSBOOK_REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnv("CLASSBOOK_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("CLASSBOOK_REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvInt("CLASSBOOK_REDIS_POOL_SIZE", c.Redis.PoolSize)

	c.Stripe.SecretKey = getEnv("CLASSBOOK_STRIPE_SECRET_KEY", c.Stripe.SecretKey)
	c.Stripe.WebhookSecret = getEnv("CLASSBOOK_STRIPE_WEBHOOK_SECRET", c.Stripe.WebhookSecret)
	c.Stripe.PriceID = getEnv("CLASSBOOK_STRIPE_PRICE_ID", c.Stripe.PriceID)

	c.Notify.Driver = strings.ToLower(getEnv("CLASSBOOK_NOTIFY_DRIVER", c.Notify.Driver))
	c.Notify.AMQPURL = getEnv("CLASSBOOK_AMQP_URL", c.Notify.AMQPURL)
	c.Notify.Exchange = getEnv("CLASSBOOK_AMQP_EXCHANGE", c.Notify.Exchange)
	c.Notify.RoutingKey = getEnv("CLASSBOOK_AMQP_ROUTING_KEY", c.Notify.RoutingKey)
	c.Notify.FromAddress = getEnv("CLASSBOOK_NOTIFY_FROM", c.Notify.FromAddress)

	c.Billing.Schedule = getEnv("CLASSBOOK_BILLING_SCHEDULE", c.Billing.Schedule)
	c.Billing.Timezone = getEnv("CLASSBOOK_BILLING_TIMEZONE", c.Billing.Timezone)
	c.Billing.UnitPriceP = getEnvInt64("CLASSBOOK_BILLING_UNIT_PRICE_P", c.Billing.UnitPriceP)
	c.Billing.ChargeTimeout = getEnvDuration("CLASSBOOK_BILLING_CHARGE_TIMEOUT", c.Billing.ChargeTimeout)
	c.Billing.Concurrency = getEnvInt("CLASSBOOK_BILLING_CONCURRENCY", c.Billing.Concurrency)
	c.Billing.GraceDays = getEnvInt("CLASSBOOK_BILLING_GRACE_DAYS", c.Billing.GraceDays)
	c.Billing.AnchorCacheTTL = getEnvDuration("CLASSBOOK_ANCHOR_CACHE_TTL", c.Billing.AnchorCacheTTL)

	c.RateLimit.Enabled = getEnvBool("CLASSBOOK_RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.SweepInterval = getEnvDuration("CLASSBOOK_RATE_LIMIT_SWEEP_INTERVAL", c.RateLimit.SweepInterval)
	c.RateLimit.TrustedProxies = getEnvList("CLASSBOOK_RATE_LIMIT_TRUSTED_PROXIES", c.RateLimit.TrustedProxies)

	if level := getEnv("CLASSBOOK_LOG_LEVEL", ""); level != "" {
		c.Observability.LogLevelName = level
		c.Observability.LogLevel = observability.ParseLogLevel(level)
	}
	c.Observability.MetricsEnabled = getEnvBool("CLASSBOOK_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.OTelEnabled = getEnvBool("CLASSBOOK_OTEL_ENABLED", c.Observability.OTelEnabled)
	c.Observability.OTelEndpoint = getEnv("CLASSBOOK_OTEL_ENDPOINT", c.Observability.OTelEndpoint)
	c.Observability.OTelInsecure = getEnvBool("CLASSBOOK_OTEL_INSECURE", c.Observability.OTelInsecure)
	c.Observability.ServiceVersion = getEnv("CLASSBOOK_VERSION", c.Observability.ServiceVersion)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.Notify.Driver {
	case "log":
	case "amqp":
		if c.Notify.AMQPURL == "" {
			return fmt.Errorf("AMQP URL is required when notify driver is amqp")
		}
		if c.Notify.Exchange == "" {
			return fmt.Errorf("AMQP exchange is required when notify driver is amqp")
		}
	default:
		return fmt.Errorf("invalid notify driver: %s (must be log or amqp)", c.Notify.Driver)
	}

	if c.Billing.UnitPriceP < 0 {
		return fmt.Errorf("billing unit price must not be negative")
	}
	if c.Billing.Concurrency < 1 {
		return fmt.Errorf("billing concurrency must be at least 1")
	}
	if c.Billing.ChargeTimeout <= 0 {
		return fmt.Errorf("billing charge timeout must be positive")
	}
	if c.Billing.GraceDays < 0 {
		return fmt.Errorf("billing grace days must not be negative")
	}
	if _, err := time.LoadLocation(c.Billing.Timezone); err != nil {
		return fmt.Errorf("invalid billing timezone %q: %w", c.Billing.Timezone, err)
	}

	if _, err := c.RateLimit.Proxies(); err != nil {
		return err
	}
	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OTLP endpoint is required when opentelemetry is enabled")
	}

	return nil
}

// Proxies parses TrustedProxies
func (r RateLimitConfig) Proxies() (*middleware.TrustedProxies, error) {
	return middleware.ParseTrustedProxies(r.TrustedProxies)
}

// OTel returns the exporter settings for service
func (o ObservabilityConfig) OTel(service string) observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    service,
		ServiceVersion: o.ServiceVersion,
		Insecure:       o.OTelInsecure,
	}
}

// Location returns the billing timezone, falling back to UTC
func (b BillingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
