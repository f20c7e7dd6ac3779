// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_enqueued_total",
		Help: "Total number of jobs enqueued, by queue",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_completed_total",
		Help: "Total number of jobs completed successfully, by queue",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_failed_total",
		Help: "Total number of job failures, by queue",
	}, []string{"queue"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_dead_lettered_total",
		Help: "Total number of jobs moved to a dead-letter queue",
	}, []string{"queue"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_job_processing_duration_seconds",
		Help:    "Histogram of job processing durations by queue",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_queue_length",
		Help: "Current length of a queue by state",
	}, []string{"queue", "state"})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, by worker type",
	}, []string{"worker_type"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_circuit_breaker_trips_total",
		Help: "Count of times a circuit breaker transitioned to Open",
	}, []string{"worker_type"})
	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_rate_limit_rejections_total",
		Help: "Count of slot requests rejected by the token bucket",
	}, []string{"worker_type"})
	SlotsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_slots_in_flight",
		Help: "Current in-flight slots, by worker type",
	}, []string{"worker_type"})

	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_outbox_pending",
		Help: "Current count of PENDING outbox rows",
	})
	OutboxPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_outbox_published_total",
		Help: "Total outbox rows marked PUBLISHED",
	})
	OutboxFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_outbox_failed_total",
		Help: "Total outbox rows marked FAILED after exhausting resolution attempts",
	})
	OutboxPollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_outbox_poll_duration_seconds",
		Help:    "Duration of each outbox poll cycle",
		Buckets: prometheus.DefBuckets,
	})

	BatchesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_batches_processed_total",
		Help: "Total number of file-analysis batch classifier calls",
	})
	BatchFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_batch_fallbacks_total",
		Help: "Total number of batches that fell back to per-file processing",
	})
	FilesProcessedIndividually = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_files_individual_total",
		Help: "Total number of files processed via the single-file path (including fallback)",
	})

	ConfidenceScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_confidence_scores",
		Help:    "Distribution of final confidence scores",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.45, 0.5, 0.6, 0.65, 0.7, 0.8, 0.85, 0.9, 1.0},
	})
	EscalationsTriggered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_escalations_triggered_total",
		Help: "Total relationships flagged for triangulation escalation",
	})
	TriangulationDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_triangulation_decisions_total",
		Help: "Total triangulation sessions by final decision",
	}, []string{"decision"})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsCompleted, JobsFailed, JobsDeadLettered, JobProcessingDuration, QueueLength,
		CircuitBreakerState, CircuitBreakerTrips, RateLimitRejections, SlotsInFlight,
		OutboxPending, OutboxPublished, OutboxFailed, OutboxPollDuration,
		BatchesProcessed, BatchFallbacks, FilesProcessedIndividually,
		ConfidenceScores, EscalationsTriggered, TriangulationDecisions,
	)
}
