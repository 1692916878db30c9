package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the AI gateway
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Guardrail metrics
	GuardrailBlocks *prometheus.CounterVec
	GuardrailMasks  prometheus.Counter

	// Rate-limit metrics
	RateLimited prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of chat completion requests by outcome",
			},
			[]string{"status"}, // status: ok, blocked, rate_limited, unauthorized, upstream_error
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end duration of chat completion requests",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),

		GuardrailBlocks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_guardrail_blocks_total",
				Help: "Total number of requests blocked by content guardrails",
			},
			[]string{"level"},
		),

		GuardrailMasks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_guardrail_masks_total",
				Help: "Total number of requests with masked sensitive content",
			},
		),

		RateLimited: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Total number of requests rejected by the per-key rate limit",
			},
		),
	}
}

// RecordRequest records a finished chat completion request
func (m *Metrics) RecordRequest(status, model string, seconds float64) {
	m.RequestsTotal.WithLabelValues(status).Inc()
	if model != "" {
		m.RequestDuration.WithLabelValues(model).Observe(seconds)
	}
}
