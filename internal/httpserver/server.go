package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hatbazar/payments/internal/auth"
	"github.com/hatbazar/payments/internal/config"
	apierrors "github.com/hatbazar/payments/internal/errors"
	"github.com/hatbazar/payments/internal/idempotency"
	"github.com/hatbazar/payments/internal/logger"
	"github.com/hatbazar/payments/internal/metrics"
	"github.com/hatbazar/payments/internal/payments"
	"github.com/hatbazar/payments/internal/ratelimit"
)

var (
	serverStartTime = time.Now()
)

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	payments *payments.Service
	guard    *auth.Guard
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, paymentsSvc *payments.Service, guard *auth.Guard, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:      cfg,
			payments: paymentsSvc,
			guard:    guard,
			metrics:  metricsCollector,
			logger:   appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, paymentsSvc, guard, idempotencyStore, metricsCollector, appLogger)

	return s
}

// ConfigureRouter attaches payment routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, paymentsSvc *payments.Service, guard *auth.Guard, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:      cfg,
		payments: paymentsSvc,
		guard:    guard,
		metrics:  metricsCollector,
		logger:   appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Structured logging middleware (BEFORE RequestID for context propagation)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Rate limiting middleware (applied globally)
	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       metricsCollector,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with 5s timeout (health checks, metrics)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", handler.health)
		// Prometheus metrics endpoint (respects route prefix to avoid conflicts)
		// Protected by optional admin API key (ADMIN_METRICS_API_KEY env var)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Idempotency middleware (24 hour replay window for create requests)
	idempotencyMW := idempotency.Middleware(idempotencyStore, 24*time.Hour)

	// Payment endpoints with 60s timeout (gateway handshake is two
	// sequential outbound calls, each with its own timeout)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.With(idempotencyMW).Post(prefix+"/payments/nagad/create", handler.createPayment)
		r.Post(prefix+"/payments/nagad/verify", handler.verifyPayment)
		// Callback is invoked by the gateway's redirect of the shopper's
		// browser; it never returns JSON, only a redirect.
		r.Get(prefix+"/payments/nagad/callback", handler.paymentCallback)
		r.Get(prefix+"/payments/nagad/transactions/{orderId}", handler.listTransactions)

		// Anything else under the payments subtree is an unknown action.
		r.HandleFunc(prefix+"/payments/nagad/*", handler.invalidAction)
		r.HandleFunc(prefix+"/payments/nagad", handler.invalidAction)
	})
}

// invalidAction answers unrecognized payment paths with a 400.
func (h *handlers) invalidAction(w http.ResponseWriter, r *http.Request) {
	apierrors.WriteError(w, apierrors.ErrCodeInvalidAction, "Invalid action")
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
