package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Auth           AuthConfig           `yaml:"auth"`
	Nagad          NagadConfig          `yaml:"nagad"`
	Storage        StorageConfig        `yaml:"storage"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics (empty disables protection)
}

// AuthConfig holds bearer token verification configuration.
// The identity provider signs access tokens with a shared HS256 secret;
// this service only verifies them.
type AuthConfig struct {
	TokenSecret string   `yaml:"token_secret"`
	Issuer      string   `yaml:"issuer"`
	Audience    string   `yaml:"audience"`
	ClockSkew   Duration `yaml:"clock_skew"`
}

// NagadConfig holds gateway connectivity settings.
// Merchant credentials (store id, RSA keys) live in the payment_providers
// row, not here - an administrator manages those through the settings UI.
type NagadConfig struct {
	SandboxBaseURL    string   `yaml:"sandbox_base_url"`
	ProductionBaseURL string   `yaml:"production_base_url"`
	CallbackURL       string   `yaml:"callback_url"`     // Merchant callback the gateway redirects the shopper to
	FrontendOrigin    string   `yaml:"frontend_origin"`  // Storefront origin for post-callback redirects
	RequestTimeout    Duration `yaml:"request_timeout"`  // Outbound gateway call timeout (single attempt, no retries)
	ClientIP          string   `yaml:"client_ip"`        // Value for the X-KM-IP-V4 header
	ChallengeLength   int      `yaml:"challenge_length"` // Random challenge size for the initialize step
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"`          // "memory", "postgres", or "mongodb"
	PostgresURL     string             `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string             `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string             `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// RateLimitConfig holds rate limiting configuration.
// Limits are generous by design - they stop obvious spam without
// restricting legitimate checkout traffic.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"` // Enable global rate limiting
	GlobalLimit   int      `yaml:"global_limit"`   // Requests allowed per global window
	GlobalWindow  Duration `yaml:"global_window"`  // Time window for global limit

	PerIPEnabled bool     `yaml:"per_ip_enabled"` // Enable per-IP rate limiting
	PerIPLimit   int      `yaml:"per_ip_limit"`   // Requests allowed per IP per window
	PerIPWindow  Duration `yaml:"per_ip_window"`  // Time window for per-IP limit
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when the gateway is degraded.
type CircuitBreakerConfig struct {
	Enabled bool                 `yaml:"enabled"` // Enable circuit breakers (default: true)
	Gateway BreakerServiceConfig `yaml:"gateway"` // Nagad gateway circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
