// Copyright 2025 Certen Protocol

package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics are registered against the default Prometheus registry so they
// show up on the standard /metrics handler.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	ExecutionsByDecision *prometheus.CounterVec
	FuelSpent        prometheus.Histogram
	RateLimited      prometheus.Counter
	IdempotencyHits  *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway's Prometheus instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ubl_gate_requests_total",
			Help: "Total HTTP requests handled, by method and path.",
		}, []string{"method", "path"}),
		ExecutionsByDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ubl_gate_executions_total",
			Help: "Pipeline/VM executions, by final decision.",
		}, []string{"decision"}),
		FuelSpent: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ubl_gate_vm_fuel_spent",
			Help:    "Fuel consumed per VM run.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ubl_gate_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter.",
		}),
		IdempotencyHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ubl_gate_idempotency_total",
			Help: "Idempotency check outcomes, by verdict.",
		}, []string{"verdict"}),
	}

	prometheus.MustRegister(
		m.RequestsTotal,
		m.ExecutionsByDecision,
		m.FuelSpent,
		m.RateLimited,
		m.IdempotencyHits,
	)
	return m
}
