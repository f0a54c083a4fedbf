// Package config defines the global configuration structure for the FirmDesk
// billing service. Configuration is loaded once at process initialization and
// is immutable thereafter, following 12-Factor App principles.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes startup to fail
// immediately.
package config

import (
	"time"

	"firmdesk/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the FirmDesk billing
// service. It is populated once during process initialization and never
// modified. Sub-components receive only the specific config subsets they
// require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"firmdesk-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Billing  BillingConfig
	Email    EmailConfig
	Auth     AuthConfig

	// Build Metadata (injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URLs for invite links and dashboard redirects (no trailing slash)
	APIExternalURL  string        `envconfig:"API_EXTERNAL_URL" validate:"required,url"` // e.g., https://api.firmdesk.io
	DashboardURL    string        `envconfig:"DASHBOARD_URL" validate:"required,url"`    // e.g., https://app.firmdesk.io
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
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

// RedisConfig holds the idempotency/cache store connection settings.
type RedisConfig struct {
	URL            SecretString  `envconfig:"REDIS_URL" validate:"required"`
	ConnectTimeout time.Duration `envconfig:"REDIS_CONNECT_TIMEOUT" default:"3s"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Queue that carries seat invitation messages to the email worker.
	InviteQueueURL string `envconfig:"SQS_INVITE_QUEUE" validate:"required,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds payment provider credentials and client tuning.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeTimeout       time.Duration `envconfig:"STRIPE_TIMEOUT" default:"10s"`
	StripeMaxRetries    int           `envconfig:"STRIPE_MAX_RETRIES" default:"2"`
}

// AuthConfig holds the shared secret used to verify actor tokens minted by
// the platform gateway. Session management lives upstream; this service only
// checks the gateway's signature.
type AuthConfig struct {
	GatewaySecret SecretString `envconfig:"GATEWAY_SHARED_SECRET" validate:"required"`
}

// EmailConfig holds invitation email delivery settings. Only the invite
// worker reads these; the API never sends email directly.
type EmailConfig struct {
	FromAddress string `envconfig:"INVITE_FROM_ADDRESS" default:"invites@firmdesk.io" validate:"email"`
	FromName    string `envconfig:"INVITE_FROM_NAME" default:"FirmDesk"`

	// SES configuration set for delivery/bounce tracking. Optional.
	ConfigSetName string `envconfig:"SES_CONFIGURATION_SET"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
