// Package config defines the global configuration structure for the
// Slideforge billing core. Configuration is loaded once at process
// initialization and is immutable thereafter. It follows 12-Factor App
// principles by strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to
// fail immediately on startup (fail fast).
package config

import (
	"time"

	"slideforge/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the billing core.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"slideforge-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server    ServerConfig
	Database  DatabaseConfig
	Gateway   GatewayConfig
	Scheduler SchedulerConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// GatewayConfig holds the payment gateway credentials and endpoint.
type GatewayConfig struct {
	BaseURL       string        `envconfig:"GATEWAY_BASE_URL" validate:"required,url"`
	APISecret     SecretString  `envconfig:"GATEWAY_API_SECRET" validate:"required"`
	WebhookSecret SecretString  `envconfig:"GATEWAY_WEBHOOK_SECRET" validate:"required"`
	StoreID       string        `envconfig:"GATEWAY_STORE_ID" validate:"required"`
	Timeout       time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
}

// SchedulerConfig holds settings for the renewal and retry sweep.
type SchedulerConfig struct {
	// SweepToken guards the HTTP sweep trigger endpoint. Compared in
	// constant time; an empty token disables the endpoint entirely.
	SweepToken SecretString `envconfig:"SWEEP_TOKEN" validate:"required"`
	// StalePendingAge is how old a PENDING payment must be before the
	// sweep reports it as abandoned.
	StalePendingAge time.Duration `envconfig:"STALE_PENDING_AGE" default:"24h"`
}

// BuildInfo carries version metadata injected at link time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}
