// Copyright 2025 James Ross
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Total number of jobs admitted into the priority queue",
	}, []string{"job_type", "priority"})

	JobsDequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dequeued_total",
		Help: "Total number of jobs pulled off the priority queue",
	})

	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that reached a terminal successful status",
	}, []string{"provider"})

	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached a terminal failure status",
	}, []string{"reason"})

	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of attempt retries across all jobs",
	})

	JobsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dead_letter_total",
		Help: "Total number of jobs moved to the dead-letter queue",
	})

	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of end-to-end job processing durations",
		Buckets: prometheus.DefBuckets,
	})

	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of the priority queue by priority class",
	}, []string{"priority"})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 closed, 1 open, 2 half_open",
	}, []string{"provider"})

	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a provider's circuit breaker transitioned to open",
	}, []string{"provider"})

	BatchesFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batches_flushed_total",
		Help: "Total number of batches flushed, by trigger",
	}, []string{"provider", "job_type", "trigger"})

	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_size",
		Help:    "Distribution of flushed batch sizes",
		Buckets: prometheus.LinearBuckets(1, 4, 10),
	})

	AdmissionRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_requests_total",
		Help: "Total admission attempts by outcome",
	}, []string{"endpoint", "outcome"})

	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Total requests rejected by the rate limiter",
	}, []string{"tenant_id", "endpoint", "window"})

	QuotaExceeded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_exceeded_total",
		Help: "Total requests rejected for exceeding a daily quota",
	}, []string{"tenant_id", "tier"})

	RAGCacheHit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rag_cache_hit_total",
		Help: "Total RAG requests served from cache",
	})

	RAGPipelineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rag_pipeline_duration_seconds",
		Help:    "Histogram of RAG pipeline stage durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsDequeued, JobsCompleted, JobsFailed, JobsRetried, JobsDeadLetter,
		JobProcessingDuration, QueueLength, CircuitBreakerState, CircuitBreakerTrips,
		BatchesFlushed, BatchSize, AdmissionRequests, RateLimitRejections, QuotaExceeded,
		RAGCacheHit, RAGPipelineDuration,
	)
}

// StartMetricsServer exposes /metrics on addr and returns the server for
// controlled shutdown by the caller.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
