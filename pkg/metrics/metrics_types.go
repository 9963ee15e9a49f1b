package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the application
type Registry struct {
	// Scenario generation
	ScenariosGeneratedTotal   *prometheus.CounterVec
	ScenarioGenerationSeconds *prometheus.HistogramVec
	ScenarioChunksTotal       *prometheus.CounterVec

	// Importance sampling
	ImportanceEffectiveSampleSize prometheus.Gauge
	ImportanceWeightErrorsTotal   *prometheus.CounterVec

	// Optimization oracle and model
	SolverSolvesTotal   *prometheus.CounterVec
	SolverDuration      prometheus.Histogram
	SolverNodesExplored prometheus.Histogram
	SolverSimplexPivots prometheus.Histogram
	ModelVariables      prometheus.Gauge
	ModelConstraints    prometheus.Gauge
	ModelAggregatedRows prometheus.Gauge
	DesignTotalCapacity prometheus.Gauge
	DesignChosenLinks   prometheus.Gauge

	// Estimation
	EstimationsTotal        *prometheus.CounterVec
	EstimationDuration      *prometheus.HistogramVec
	EstimationSamplesTotal  prometheus.Counter
	EstimatedFailureProbMax prometheus.Gauge
	EstimatedHalfWidthMax   prometheus.Gauge
	EscalationRoundsTotal   prometheus.Counter

	// Dispatch
	DispatchChunksTotal   *prometheus.CounterVec
	DispatchChunkDuration prometheus.Histogram
	DispatchWorkersActive prometheus.Gauge

	// Persistence
	DesignStoreOperationsTotal *prometheus.CounterVec

	// System Metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	MemorySysBytes   prometheus.Gauge

	registry  *prometheus.Registry
	startTime time.Time
	mu        sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	r.initScenarioMetrics()
	r.initSolverMetrics()
	r.initEstimateMetrics()
	r.initDispatchMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// OrDefault returns r, or the default registry when r is nil.
func OrDefault(r *Registry) *Registry {
	if r == nil {
		return DefaultRegistry()
	}
	return r
}
