package health

import (
	"context"
	"runtime"

	"github.com/dd0wney/cluso-riskcap/pkg/design"
)

// StoreCheck lists the design store. A store that cannot list cannot
// serve validate or escalate either.
func StoreCheck(store design.Store) CheckFunc {
	return func(ctx context.Context) Check {
		ids, err := store.List(ctx)
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		return Check{
			Status:  StatusHealthy,
			Message: "reachable",
			Details: map[string]any{"designs": len(ids)},
		}
	}
}

// WorkerCheck reports whether a dispatch worker is accepting chunks.
func WorkerCheck(serving func() bool, served func() int64) CheckFunc {
	return func(ctx context.Context) Check {
		details := map[string]any{"chunks_served": served()}
		if !serving() {
			return Check{Status: StatusUnhealthy, Message: "not listening", Details: details}
		}
		return Check{Status: StatusHealthy, Message: "listening", Details: details}
	}
}

// MemoryCheck degrades when the heap exceeds limit bytes. Large
// materialized scenario sets are the usual cause; fused validation avoids
// them.
func MemoryCheck(limit uint64) CheckFunc {
	return func(ctx context.Context) Check {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		check := Check{
			Status:  StatusHealthy,
			Message: "memory usage normal",
			Details: map[string]any{
				"heap_alloc_bytes": m.HeapAlloc,
				"sys_bytes":        m.Sys,
				"limit_bytes":      limit,
			},
		}
		if limit > 0 && m.HeapAlloc > limit {
			check.Status = StatusDegraded
			check.Message = "heap above limit"
		}
		return check
	}
}
