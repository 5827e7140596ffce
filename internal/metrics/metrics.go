// Package metrics registers the Prometheus collectors shared by both
// services. Each service exposes them on its own /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderAttempts counts LLM invocations by provider and outcome
	// (success, error, invalid).
	ProviderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_provider_attempts_total",
		Help: "LLM provider invocations by provider and outcome.",
	}, []string{"provider", "outcome"})

	// CacheHits / CacheMisses count response-cache probes by namespace.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_cache_hits_total",
		Help: "LLM response cache hits by namespace.",
	}, []string{"namespace"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_cache_misses_total",
		Help: "LLM response cache misses by namespace.",
	}, []string{"namespace"})

	// StageDuration observes pipeline stage latency in seconds.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Duration of each analyzer pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})

	// JobsProcessed counts worker outcomes (completed, failed, error).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_jobs_processed_total",
		Help: "Analysis jobs driven to a terminal state by the worker.",
	}, []string{"outcome"})

	// SchedulerClaims counts scan-and-claim results per tick.
	SchedulerClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_claims_total",
		Help: "Scheduler claim attempts by result (claimed, lost, idle, error).",
	}, []string{"result"})
)
