package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSolverMetrics() {
	r.SolverSolvesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcap_solver_solves_total",
			Help: "Optimization oracle calls by terminal status",
		},
		[]string{"status"},
	)

	r.SolverDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "riskcap_solver_duration_seconds",
			Help:    "Wall time of a single oracle call",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	r.SolverNodesExplored = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "riskcap_solver_bnb_nodes",
			Help:    "Branch-and-bound nodes explored per solve",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	r.SolverSimplexPivots = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "riskcap_solver_simplex_pivots",
			Help:    "Simplex pivots per solve, summed over all relaxations",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		},
	)

	r.ModelVariables = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcap_model_variables",
			Help: "Variables in the most recently built capacity model",
		},
	)

	r.ModelConstraints = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcap_model_constraints",
			Help: "Constraints in the most recently built capacity model",
		},
	)

	r.ModelAggregatedRows = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcap_model_distinct_scenarios",
			Help: "Distinct scenario rows after aggregation in the most recent model",
		},
	)

	r.DesignTotalCapacity = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcap_design_total_capacity",
			Help: "Total backup capacity of the most recent design",
		},
	)

	r.DesignChosenLinks = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "riskcap_design_chosen_links",
			Help: "Backup links carrying capacity in the most recent design",
		},
	)

	r.DesignStoreOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskcap_design_store_operations_total",
			Help: "Design persistence operations by backend, operation and outcome",
		},
		[]string{"backend", "operation", "status"},
	)
}
