package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the payment service.
type Metrics struct {
	// Payment action metrics
	PaymentsTotal        *prometheus.CounterVec
	PaymentsSuccessTotal *prometheus.CounterVec
	PaymentsFailedTotal  *prometheus.CounterVec
	PaymentAmountTotal   *prometheus.CounterVec
	PaymentDuration      *prometheus.HistogramVec

	// Gateway call metrics
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec
	GatewayErrorsTotal  *prometheus.CounterVec

	// Order outcome metrics
	OrdersConfirmedTotal prometheus.Counter

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hatbazar_payments_total",
				Help: "Total number of payment action invocations",
			},
			[]string{"action", "gateway"},
		),
		PaymentsSuccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hatbazar_payments_success_total",
				Help: "Total number of successful payment actions",
			},
			[]string{"action", "gateway"},
		),
		PaymentsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hatbazar_payments_failed_total",
				Help: "Total number of failed payment actions",
			},
			[]string{"action", "gateway", "reason"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hatbazar_payment_amount_paisa_total",
				Help: "Total verified payment amount in paisa",
			},
			[]string{"gateway"},
		),
		PaymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hatbazar_payment_duration_seconds",
				Help:    "Time taken to process a payment action (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"action", "gateway"},
		),

		GatewayCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hatbazar_gateway_calls_total",
				Help: "Total number of outbound gateway calls",
			},
			[]string{"step", "gateway"},
		),
		GatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hatbazar_gateway_call_duration_seconds",
				Help:    "Outbound gateway call latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"step", "gateway"},
		),
		GatewayErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hatbazar_gateway_errors_total",
				Help: "Total number of failed gateway calls",
			},
			[]string{"step", "gateway"},
		),

		OrdersConfirmedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hatbazar_orders_confirmed_total",
				Help: "Total number of orders confirmed through verified payments",
			},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hatbazar_rate_limit_hits_total",
				Help: "Total number of rate-limited requests",
			},
			[]string{"limit_type"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hatbazar_db_query_duration_seconds",
				Help:    "Database query latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hatbazar_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObservePayment records a payment action and its outcome. Amount is only
// counted for verified-successful outcomes.
func (m *Metrics) ObservePayment(action, gateway string, success bool, duration time.Duration, amountPaisa int64) {
	m.PaymentsTotal.WithLabelValues(action, gateway).Inc()
	if success {
		m.PaymentsSuccessTotal.WithLabelValues(action, gateway).Inc()
		if amountPaisa > 0 {
			m.PaymentAmountTotal.WithLabelValues(gateway).Add(float64(amountPaisa))
		}
	}
	m.PaymentDuration.WithLabelValues(action, gateway).Observe(duration.Seconds())
}

// ObservePaymentFailure records a failed payment action with a reason label.
func (m *Metrics) ObservePaymentFailure(action, gateway, reason string) {
	m.PaymentsFailedTotal.WithLabelValues(action, gateway, reason).Inc()
}

// ObserveGatewayCall records an outbound call to the payment gateway.
func (m *Metrics) ObserveGatewayCall(step, gateway string, duration time.Duration, err error) {
	m.GatewayCallsTotal.WithLabelValues(step, gateway).Inc()
	m.GatewayCallDuration.WithLabelValues(step, gateway).Observe(duration.Seconds())
	if err != nil {
		m.GatewayErrorsTotal.WithLabelValues(step, gateway).Inc()
	}
}

// ObserveOrderConfirmed records an order flipping to confirmed.
func (m *Metrics) ObserveOrderConfirmed() {
	m.OrdersConfirmedTotal.Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
