package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/agentpay-gate/internal/domain"
)

type Metrics struct {
	// Latency: обработка HTTP запросов шлюза
	RequestDuration *prometheus.HistogramVec

	// Решения движка по вердиктам
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration prometheus.Histogram

	// Проверки оплаты по исходу (VERIFIED или код отказа)
	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration prometheus.Histogram

	// RPC блокчейна
	ChainRPCDuration *prometheus.HistogramVec

	// Saturation: состояние Circuit Breaker (0 - ок, 0.5 - half-open, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	buckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentpay_request_duration_seconds",
			Help:    "Histogram of gateway request latencies.",
			Buckets: buckets,
		}, []string{"route", "status"}),

		DecisionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_decisions_total",
			Help: "Total number of policy decisions by verdict.",
		}, []string{"verdict"}),

		DecisionDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "agentpay_decision_duration_seconds",
			Help:    "Policy evaluation latency including ledger access.",
			Buckets: buckets,
		}),

		VerificationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_payment_verifications_total",
			Help: "Total number of payment verifications by outcome.",
		}, []string{"outcome"}),

		VerificationDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "agentpay_payment_verification_duration_seconds",
			Help:    "Payment verification latency.",
			Buckets: buckets,
		}),

		ChainRPCDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentpay_chain_rpc_duration_seconds",
			Help:    "Chain RPC latency by outcome.",
			Buckets: buckets,
		}, []string{"outcome"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentpay_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 0.5=half-open, 1=open).",
		}, []string{"connector_id"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentpay_audit_buffer_utilization",
			Help: "Fraction of the audit buffer in use.",
		}),
	}
}

// ObserveDecision реализует policy.DecisionObserver.
func (m *Metrics) ObserveDecision(verdict domain.Verdict, took time.Duration) {
	m.DecisionsTotal.WithLabelValues(string(verdict)).Inc()
	m.DecisionDuration.Observe(took.Seconds())
}

// ObserveVerification реализует facilitator.Observer.
func (m *Metrics) ObserveVerification(outcome string, took time.Duration) {
	m.VerificationsTotal.WithLabelValues(outcome).Inc()
	m.VerificationDuration.Observe(took.Seconds())
}
