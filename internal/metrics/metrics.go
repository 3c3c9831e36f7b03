package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_executions_created_total",
		Help: "Executions created by the scheduler",
	}, []string{"rule_kind"})

	ExecutionsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_executions_terminal_total",
		Help: "Executions reaching a terminal state by outcome and reason",
	}, []string{"kind", "outcome", "reason"})

	ExecutionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_execution_retries_total",
		Help: "Retries scheduled after transient failures",
	}, []string{"kind"})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "automation_execution_run_seconds",
		Help:    "Time spent driving one execution run",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"kind"})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_provider_calls_total",
		Help: "Provider calls through the breaker by result kind",
	}, []string{"provider", "result"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "automation_breaker_state",
		Help: "Breaker state per provider (0 closed, 1 open, 2 half-open)",
	}, []string{"provider"})

	QuotesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_quotes_total",
		Help: "Cross-chain quotes by provider and validity",
	}, []string{"provider", "status"})

	SchedulerPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "automation_scheduler_pass_seconds",
		Help:    "Duration of one scheduler pass",
		Buckets: prometheus.DefBuckets,
	})

	InflightExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "automation_inflight_executions",
		Help: "Executions currently being driven by workers",
	})

	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_notifications_dropped_total",
		Help: "Notifications dropped or failed per sink",
	}, []string{"sink"})
)
