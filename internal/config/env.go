package config

import (
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the PAY_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "PAY_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "PAY_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "PAY_ADMIN_METRICS_API_KEY")
	if v := os.Getenv("PAY_CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		c.Server.CORSAllowedOrigins = origins
	}

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Auth config
	setIfEnv(&c.Auth.TokenSecret, "PAY_AUTH_TOKEN_SECRET")
	setIfEnv(&c.Auth.Issuer, "PAY_AUTH_ISSUER")
	setIfEnv(&c.Auth.Audience, "PAY_AUTH_AUDIENCE")
	setDurationIfEnv(&c.Auth.ClockSkew, "PAY_AUTH_CLOCK_SKEW")

	// Nagad config
	setIfEnv(&c.Nagad.SandboxBaseURL, "PAY_NAGAD_SANDBOX_BASE_URL")
	setIfEnv(&c.Nagad.ProductionBaseURL, "PAY_NAGAD_PRODUCTION_BASE_URL")
	setIfEnv(&c.Nagad.CallbackURL, "PAY_NAGAD_CALLBACK_URL")
	setIfEnv(&c.Nagad.FrontendOrigin, "PAY_NAGAD_FRONTEND_ORIGIN")
	setIfEnv(&c.Nagad.ClientIP, "PAY_NAGAD_CLIENT_IP")
	setDurationIfEnv(&c.Nagad.RequestTimeout, "PAY_NAGAD_REQUEST_TIMEOUT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "PAY_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "PAY_STORAGE_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "PAY_STORAGE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "PAY_STORAGE_MONGODB_DATABASE")

	// Circuit breaker config
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "PAY_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
