package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the outcome of one check function.
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
}

// CheckFunc checks one component. It must return once ctx is done.
type CheckFunc func(ctx context.Context) Check

// Checker holds the checks of a process. Liveness checks run on every
// request to /healthz; readiness checks only on /readyz.
type Checker struct {
	mu      sync.RWMutex
	live    map[string]CheckFunc
	ready   map[string]CheckFunc
	started time.Time
	timeout time.Duration
}

// Response is the aggregate answer; the worst check status wins.
type Response struct {
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Uptime    time.Duration    `json:"uptime_ns"`
}
