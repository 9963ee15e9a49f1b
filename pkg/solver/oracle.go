package solver

import (
	"context"
	"math"
	"time"
)

// Status is the terminal state of a solve.
type Status int

const (
	Optimal Status = iota
	Infeasible
	Unbounded
	TimeLimit
	// NumericalFailure means the LP engine could not converge on some
	// node; the incumbent, if any, is kept but optimality is unproven.
	NumericalFailure
)

func (s Status) String() string {
	switch s {
	case Optimal:
		return "optimal"
	case Infeasible:
		return "infeasible"
	case Unbounded:
		return "unbounded"
	case TimeLimit:
		return "time_limit"
	case NumericalFailure:
		return "numerical_failure"
	default:
		return "unknown"
	}
}

// Options bound a single oracle call.
type Options struct {
	// GapTolerance is the relative optimality gap at which branch and bound
	// stops. Zero means 1e-6.
	GapTolerance float64
	// TimeLimit caps wall time; zero means no limit beyond the context.
	TimeLimit time.Duration
	// LogLevel: 0 silent, 1 summary, 2 incumbents, 3 every node.
	LogLevel int
	// MaxNodes caps branch-and-bound nodes; zero means unlimited.
	MaxNodes int
	// IterationLimit caps simplex iterations per node LP. Zero scales the
	// cap with the problem size.
	IterationLimit int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{GapTolerance: 1e-6, LogLevel: 1}
}

func (o Options) gap() float64 {
	if o.GapTolerance <= 0 {
		return 1e-6
	}
	return o.GapTolerance
}

// Result is what an oracle returns. Values is indexed by Var and is only
// meaningful when HasIncumbent reports true.
type Result struct {
	Status    Status
	Objective float64
	BestBound float64
	Values    []float64
	Nodes     int
	Pivots    int
	Elapsed   time.Duration
}

// HasIncumbent reports whether a feasible solution was found.
func (r *Result) HasIncumbent() bool {
	return r != nil && r.Values != nil
}

// Value returns the value of v in the incumbent.
func (r *Result) Value(v Var) float64 {
	return r.Values[v]
}

// Gap is the relative distance between the incumbent and the best bound.
func (r *Result) Gap() float64 {
	if !r.HasIncumbent() {
		return math.Inf(1)
	}
	return relativeGap(r.Objective, r.BestBound)
}

func relativeGap(incumbent, bound float64) float64 {
	diff := incumbent - bound
	if diff <= 0 {
		return 0
	}
	return diff / math.Max(math.Abs(incumbent), 1e-9)
}

// Oracle solves a Problem. Implementations must honor ctx and opts.TimeLimit
// and report a non-Optimal status rather than an error when the problem is
// infeasible, unbounded, out of time, or numerically intractable.
type Oracle interface {
	Solve(ctx context.Context, p *Problem, opts Options) (*Result, error)
}
