package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initScenarioMetrics() {
	r.ScenariosGeneratedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcap_scenarios_generated_total",
			Help: "Number of failure scenarios generated",
		},
		[]string{"purpose"}, // optimization, validation
	)

	r.ScenarioGenerationSeconds = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riskcap_scenario_generation_duration_seconds",
			Help:    "Duration of a scenario generation batch",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"mode"}, // direct, substrate, threshold
	)

	r.ScenarioChunksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcap_scenario_chunks_total",
			Help: "Number of partitioned generation chunks by outcome",
		},
		[]string{"status"},
	)

	r.ImportanceEffectiveSampleSize = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcap_importance_effective_sample_size",
			Help: "Effective sample size of the most recent importance weight vector",
		},
	)

	r.ImportanceWeightErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcap_importance_weight_errors_total",
			Help: "Importance weight computations rejected by numeric guards",
		},
		[]string{"reason"}, // overflow, impossible
	)
}
