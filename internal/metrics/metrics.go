package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "mangaforge"

var (
	TaskCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_created_total",
			Help:      "Total number of generation tasks enqueued.",
		},
	)

	TaskClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_claimed_total",
			Help:      "Total number of generation tasks claimed by workers.",
		},
	)

	TaskCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_completed_total",
			Help:      "Total number of generation tasks finished, labeled by final status.",
		},
		[]string{"status"},
	)

	TaskProcessingLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_processing_latency_seconds",
			Help:      "End-to-end latency from task creation to completion (seconds).",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		},
		[]string{"status"},
	)

	StageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of each pipeline stage (seconds).",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"stage", "status"},
	)

	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Total capability provider invocations, labeled by kind, provider and outcome.",
		},
		[]string{"kind", "provider", "outcome"},
	)

	FallbackAdvancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_advances_total",
			Help:      "Total times a fallback chain advanced past a provider, by kind and error class.",
		},
		[]string{"kind", "class"},
	)

	LeaseExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_expired_total",
			Help:      "Total number of lease expirations detected during claim-time repair.",
		},
	)

	ProgressEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_total",
			Help:      "Total progress events published, labeled by event type.",
		},
		[]string{"type"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total requests rejected by the submission rate limiter.",
		},
		[]string{"operation"},
	)

	ProgressDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_dropped_total",
			Help:      "Total progress events dropped on full subscriber buffers.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TaskCreatedTotal,
		TaskClaimedTotal,
		TaskCompletedTotal,
		TaskProcessingLatencySeconds,
		StageDurationSeconds,
		ProviderCallsTotal,
		FallbackAdvancesTotal,
		LeaseExpiredTotal,
		RateLimitHitsTotal,
		ProgressEventsTotal,
		ProgressDroppedTotal,
	)
}
