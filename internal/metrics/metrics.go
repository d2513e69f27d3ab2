package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_agent_requests_total",
			Help: "Total number of handled requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "crm_agent_request_duration_seconds",
			Help: "Request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	IntentCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_agent_intents_total",
			Help: "Classified intents by code and whether the fallback was used",
		},
		[]string{"intent", "fallback"},
	)

	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_agent_stage_failures_total",
			Help: "Orchestration failures by stage and error code",
		},
		[]string{"stage", "code"},
	)

	DependencyLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crm_agent_dependency_latency_seconds",
			Help:    "External collaborator call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"dependency", "outcome"},
	)

	Degradations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_agent_degradations_total",
			Help: "Requests answered on a degraded path",
		},
		[]string{"kind"},
	)

	TurnDataLoss = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crm_agent_turn_data_loss_total",
			Help: "Answers delivered whose conversation turn could not be persisted",
		},
	)
)
