package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initEstimateMetrics() {
	r.EstimationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcap_estimations_total",
			Help: "Failure probability estimations by statistic and outcome",
		},
		[]string{"statistic", "status"},
	)

	r.EstimationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskcap_estimation_duration_seconds",
			Help:    "Duration of an estimation pass",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"statistic"},
	)

	r.EstimationSamplesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "riskcap_estimation_samples_total",
			Help: "Validation scenarios consumed by estimation",
		},
	)

	r.EstimatedFailureProbMax = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcap_estimated_failure_probability_max",
			Help: "Largest per-link failure probability in the most recent estimate",
		},
	)

	r.EstimatedHalfWidthMax = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcap_estimated_ci_half_width_max",
			Help: "Largest per-link confidence interval half-width in the most recent estimate",
		},
	)

	r.EscalationRoundsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "riskcap_escalation_rounds_total",
			Help: "Sample-size escalation rounds executed",
		},
	)
}

func (r *Registry) initDispatchMetrics() {
	r.DispatchChunksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcap_dispatch_chunks_total",
			Help: "Chunks shipped to remote workers by outcome",
		},
		[]string{"status"},
	)

	r.DispatchChunkDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "riskcap_dispatch_chunk_duration_seconds",
			Help:    "Round-trip time of a remote chunk",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	r.DispatchWorkersActive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcap_dispatch_workers_active",
			Help: "Remote worker endpoints currently dialed",
		},
	)
}
