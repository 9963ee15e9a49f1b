package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Record* methods are safe to call on a nil *Registry; components hold an
// optional registry and call through it unconditionally.

// RecordScenarios records a generation batch.
func (r *Registry) RecordScenarios(purpose, mode string, count int, duration time.Duration) {
	if r == nil {
		return
	}
	r.ScenariosGeneratedTotal.WithLabelValues(purpose).Add(float64(count))
	r.ScenarioGenerationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordChunk records the outcome of one generation chunk.
func (r *Registry) RecordChunk(status string) {
	if r == nil {
		return
	}
	r.ScenarioChunksTotal.WithLabelValues(status).Inc()
}

// RecordEffectiveSampleSize publishes the ESS of the latest weight vector.
func (r *Registry) RecordEffectiveSampleSize(ess float64) {
	if r == nil {
		return
	}
	r.ImportanceEffectiveSampleSize.Set(ess)
}

// RecordWeightError counts a rejected importance weight.
func (r *Registry) RecordWeightError(reason string) {
	if r == nil {
		return
	}
	r.ImportanceWeightErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordSolve records an oracle call.
func (r *Registry) RecordSolve(status string, duration time.Duration, nodes, pivots int) {
	if r == nil {
		return
	}
	r.SolverSolvesTotal.WithLabelValues(status).Inc()
	r.SolverDuration.Observe(duration.Seconds())
	r.SolverNodesExplored.Observe(float64(nodes))
	r.SolverSimplexPivots.Observe(float64(pivots))
}

// RecordModelSize records the dimensions of a built capacity model.
func (r *Registry) RecordModelSize(variables, constraints, distinctScenarios int) {
	if r == nil {
		return
	}
	r.ModelVariables.Set(float64(variables))
	r.ModelConstraints.Set(float64(constraints))
	r.ModelAggregatedRows.Set(float64(distinctScenarios))
}

// RecordDesign records summary figures of a solved design.
func (r *Registry) RecordDesign(totalCapacity float64, chosenLinks int) {
	if r == nil {
		return
	}
	r.DesignTotalCapacity.Set(totalCapacity)
	r.DesignChosenLinks.Set(float64(chosenLinks))
}

// RecordStoreOperation records a design persistence call.
func (r *Registry) RecordStoreOperation(backend, operation string, err error) {
	if r == nil {
		return
	}
	r.DesignStoreOperationsTotal.WithLabelValues(backend, operation, statusOf(err)).Inc()
}

// RecordEstimation records one estimation pass. maxProb and maxHalfWidth are
// the largest per-link point estimate and CI half-width.
func (r *Registry) RecordEstimation(statistic string, samples int, maxProb, maxHalfWidth float64, duration time.Duration, err error) {
	if r == nil {
		return
	}
	r.EstimationsTotal.WithLabelValues(statistic, statusOf(err)).Inc()
	r.EstimationDuration.WithLabelValues(statistic).Observe(duration.Seconds())
	if err != nil {
		return
	}
	r.EstimationSamplesTotal.Add(float64(samples))

	r.mu.Lock()
	r.EstimatedFailureProbMax.Set(maxProb)
	r.EstimatedHalfWidthMax.Set(maxHalfWidth)
	r.mu.Unlock()
}

// RecordEscalationRound counts a sample-size escalation round.
func (r *Registry) RecordEscalationRound() {
	if r == nil {
		return
	}
	r.EscalationRoundsTotal.Inc()
}

// RecordDispatchChunk records the round trip of a remote chunk.
func (r *Registry) RecordDispatchChunk(duration time.Duration, err error) {
	if r == nil {
		return
	}
	r.DispatchChunksTotal.WithLabelValues(statusOf(err)).Inc()
	r.DispatchChunkDuration.Observe(duration.Seconds())
}

// SetDispatchWorkers publishes the number of dialed worker endpoints.
func (r *Registry) SetDispatchWorkers(n int) {
	if r == nil {
		return
	}
	r.DispatchWorkersActive.Set(float64(n))
}

// UpdateSystemMetrics refreshes uptime and Go runtime gauges.
func (r *Registry) UpdateSystemMetrics() {
	if r == nil {
		return
	}
	r.UptimeSeconds.Set(time.Since(r.startTime).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	r.MemoryAllocBytes.Set(float64(m.Alloc))
	r.MemorySysBytes.Set(float64(m.Sys))
}

// Handler serves the registry in the Prometheus exposition format,
// refreshing the system gauges on every scrape.
func (r *Registry) Handler() http.Handler {
	inner := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.UpdateSystemMetrics()
		inner.ServeHTTP(w, req)
	})
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
