package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Nagad.RequestTimeout.Duration <= 0 {
		c.Nagad.RequestTimeout = Duration{Duration: 30 * time.Second}
	}
	if c.Nagad.ChallengeLength <= 0 {
		c.Nagad.ChallengeLength = 40
	}
	if c.Auth.ClockSkew.Duration < 0 {
		c.Auth.ClockSkew = Duration{Duration: 0}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Auth.TokenSecret == "" {
		errs = append(errs, "auth.token_secret is required")
	}

	if c.Nagad.SandboxBaseURL == "" {
		errs = append(errs, "nagad.sandbox_base_url is required")
	} else if err := validateHTTPURL(c.Nagad.SandboxBaseURL); err != nil {
		errs = append(errs, fmt.Sprintf("nagad.sandbox_base_url: %v", err))
	}
	if c.Nagad.ProductionBaseURL == "" {
		errs = append(errs, "nagad.production_base_url is required")
	} else if err := validateHTTPURL(c.Nagad.ProductionBaseURL); err != nil {
		errs = append(errs, fmt.Sprintf("nagad.production_base_url: %v", err))
	}
	if c.Nagad.CallbackURL == "" {
		errs = append(errs, "nagad.callback_url is required (the gateway redirects shoppers here after payment)")
	}
	if c.Nagad.FrontendOrigin == "" {
		errs = append(errs, "nagad.frontend_origin is required (callback redirect destination)")
	} else if err := validateHTTPURL(c.Nagad.FrontendOrigin); err != nil {
		errs = append(errs, fmt.Sprintf("nagad.frontend_origin: %v", err))
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when storage.backend is 'mongodb'")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required when storage.backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, postgres, mongodb)", c.Storage.Backend))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateHTTPURL checks the value parses as an absolute http(s) URL.
func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
		return nil
	case "":
		return errors.New("missing scheme")
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
