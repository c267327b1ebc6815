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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hatbazar/payments/internal/auth"
	"github.com/hatbazar/payments/internal/circuitbreaker"
	"github.com/hatbazar/payments/internal/config"
	"github.com/hatbazar/payments/internal/dbpool"
	"github.com/hatbazar/payments/internal/httpserver"
	"github.com/hatbazar/payments/internal/idempotency"
	"github.com/hatbazar/payments/internal/lifecycle"
	"github.com/hatbazar/payments/internal/logger"
	"github.com/hatbazar/payments/internal/metrics"
	"github.com/hatbazar/payments/internal/payments"
	"github.com/hatbazar/payments/internal/storage"
)

const shutdownGrace = 15 * time.Second

func main() {
	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("PAY_CONFIG_PATH"), "path to config YAML")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "hatbazar-payments",
		Environment: cfg.Logging.Environment,
	})

	resources := lifecycle.NewManager()

	storeCfg := storage.StoreConfig{
		Backend:         cfg.Storage.Backend,
		PostgresURL:     cfg.Storage.PostgresURL,
		MongoDBURL:      cfg.Storage.MongoDBURL,
		MongoDBDatabase: cfg.Storage.MongoDBDatabase,
		PostgresPool:    cfg.Storage.PostgresPool,
	}

	var store storage.Store
	if cfg.Storage.Backend == "postgres" && cfg.Storage.PostgresURL != "" {
		// Shared pool so future repositories reuse the same connections.
		pool, err := dbpool.NewSharedPool(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
		if err != nil {
			appLogger.Fatal().Err(err).Msg("server.postgres_pool_failed")
		}
		resources.Register("postgres-pool", pool)

		store, err = storage.NewStoreWithDB(storeCfg, pool.DB())
		if err != nil {
			appLogger.Fatal().Err(err).Msg("server.storage_init_failed")
		}
	} else {
		store, err = storage.NewStore(storeCfg)
		if err != nil {
			appLogger.Fatal().Err(err).Msg("server.storage_init_failed")
		}
	}
	resources.RegisterFunc("storage", store.Close)

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)
	breaker := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	paymentsSvc := payments.NewService(store, cfg.Nagad, breaker, metricsCollector)

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("server.auth_init_failed")
	}
	guard := auth.NewGuard(verifier, store)

	idempotencyStore := idempotency.NewMemoryStore()
	resources.RegisterFunc("idempotency-store", func() error {
		idempotencyStore.Stop()
		return nil
	})

	srv := httpserver.New(cfg, paymentsSvc, guard, idempotencyStore, metricsCollector, appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("route_prefix", cfg.Server.RoutePrefix).
			Str("storage_backend", cfg.Storage.Backend).
			Msg("server.started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		appLogger.Info().Msg("server.shutdown_requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error().Err(err).Msg("server.listen_failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("server.shutdown_failed")
	}

	if err := resources.Close(); err != nil {
		appLogger.Error().Err(err).Msg("server.resource_cleanup_failed")
	}

	appLogger.Info().Msg("server.stopped")
}
