// Package metrics holds the process-wide Prometheus collectors. They are
// registered with the default registry and served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Quoting

// AdapterLatency is the time one venue took to answer a quote fan-out.
var AdapterLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "quote",
		Name:      "adapter_latency_seconds",
		Help:      "Latency of venue market-data calls during quoting",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	},
	[]string{"protocol"},
)

// AdapterFailures counts venues dropped from a quote batch.
var AdapterFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "quote",
		Name:      "adapter_failures_total",
		Help:      "Venues dropped from a quote batch, by reason",
	},
	[]string{"protocol", "reason"}, // validation, timeout, error
)

// QuotesServed counts aggregated quotes by cache outcome.
var QuotesServed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "quote",
		Name:      "served_total",
		Help:      "Aggregated quotes served",
	},
	[]string{"cache"}, // hit, miss
)

// Execution

// StepAttempts counts step attempts by type and outcome.
var StepAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "executor",
		Name:      "step_attempts_total",
		Help:      "Strategy step attempts",
	},
	[]string{"step", "outcome"}, // confirmed, failed, retried
)

// StepLatency is submit-to-confirm time of a step.
var StepLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "executor",
		Name:      "step_confirm_seconds",
		Help:      "Time from submission to confirmation",
		Buckets:   []float64{0.4, 1, 2, 5, 10, 20, 40, 60},
	},
	[]string{"step"},
)

// Executions counts finished strategies by final status.
var Executions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "executor",
		Name:      "executions_total",
		Help:      "Finished strategy executions",
	},
	[]string{"kind", "status"},
)

// Rollbacks counts compensation runs by outcome.
var Rollbacks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "executor",
		Name:      "rollbacks_total",
		Help:      "Compensation runs after a failed step",
	},
	[]string{"result"}, // ok, failed
)

// ActiveExecutions is the number of strategies currently running.
var ActiveExecutions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "executor",
		Name:      "active",
		Help:      "Strategies currently executing",
	},
)

// Monitoring

// PositionHealth is the latest health factor per open position.
var PositionHealth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "monitor",
		Name:      "health_factor",
		Help:      "Latest health factor of an open position",
	},
	[]string{"position", "protocol"},
)

// PositionRisk is the latest risk score per open position.
var PositionRisk = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "monitor",
		Name:      "risk_score",
		Help:      "Latest 0-100 risk score of an open position",
	},
	[]string{"position", "protocol"},
)

// Alerts counts risk alerts sent.
var Alerts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "monitor",
		Name:      "alerts_total",
		Help:      "Risk alerts emitted",
	},
	[]string{"kind"}, // health_factor, risk_score
)

// HTTP

// HTTPRequests counts API requests.
var HTTPRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP API requests",
	},
	[]string{"method", "status"},
)
