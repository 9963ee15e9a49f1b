// Package health reports whether a riskcap process can do its work: the
// design store answers, the dispatch worker is listening, memory is not
// exhausted.
package health

import (
	"context"
	"time"
)

// DefaultTimeout bounds every check.
const DefaultTimeout = 5 * time.Second

// NewChecker returns a checker with no checks.
func NewChecker() *Checker {
	return &Checker{
		live:    make(map[string]CheckFunc),
		ready:   make(map[string]CheckFunc),
		started: time.Now(),
		timeout: DefaultTimeout,
	}
}

// Register adds a liveness check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live[name] = fn
}

// RegisterReadiness adds a check that gates readiness only.
func (c *Checker) RegisterReadiness(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready[name] = fn
}

// Check runs the liveness checks.
func (c *Checker) Check(ctx context.Context) Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.run(ctx, c.live)
}

// CheckReadiness runs liveness and readiness checks together.
func (c *Checker) CheckReadiness(ctx context.Context) Response {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := make(map[string]CheckFunc, len(c.live)+len(c.ready))
	for name, fn := range c.live {
		all[name] = fn
	}
	for name, fn := range c.ready {
		all[name] = fn
	}
	return c.run(ctx, all)
}

func (c *Checker) run(ctx context.Context, funcs map[string]CheckFunc) Response {
	resp := Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(funcs)),
		Uptime:    time.Since(c.started),
	}
	for name, fn := range funcs {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		check := fn(pctx)
		cancel()
		check.Name = name
		check.Duration = time.Since(start)
		check.LastChecked = start
		resp.Checks[name] = check

		if check.Status == StatusUnhealthy {
			resp.Status = StatusUnhealthy
		} else if check.Status == StatusDegraded && resp.Status != StatusUnhealthy {
			resp.Status = StatusDegraded
		}
	}
	return resp
}
