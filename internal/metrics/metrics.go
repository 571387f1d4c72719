// Package metrics holds the Prometheus collectors the router exports on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_tasks_submitted_total",
		Help: "Tasks accepted for routing.",
	})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_tasks_finished_total",
		Help: "Tasks that reached a terminal status.",
	}, []string{"status"})

	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_task_retries_total",
		Help: "Dispatch attempts beyond the first.",
	})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "switchyard_dispatch_duration_seconds",
		Help:    "Wall time from assignment to terminal status.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	AgentSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_agent_selections_total",
		Help: "Agent selections by routing strategy.",
	}, []string{"strategy"})

	BreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "switchyard_breaker_open",
		Help: "1 when an agent's circuit breaker is open.",
	}, []string{"agent_id"})

	ExperimentAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_experiment_assignments_total",
		Help: "Variant assignments by variant.",
	}, []string{"variant"})

	EvaluationsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_evaluations_total",
		Help: "Evaluation records by template.",
	}, []string{"template"})

	RateLimitedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_rate_limited_requests_total",
		Help: "HTTP requests rejected by the rate limiter.",
	})
)
