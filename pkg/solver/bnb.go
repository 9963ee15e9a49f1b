package solver

import (
	"context"
	"errors"
	"math"
	"slices"
	"time"

	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
)

// BranchAndBound is the reference Oracle: depth-first branch and bound over
// LP relaxations. Each child starts the dual simplex from its parent's
// optimal basis, reusing the parent's tableau when it is still loaded. It
// suits the aggregated models this module builds; large instances should
// be exported with WriteLP and handed to an external solver.
type BranchAndBound struct {
	logger  logging.Logger
	metrics *metrics.Registry
}

// Option configures a BranchAndBound.
type Option func(*BranchAndBound)

func WithLogger(l logging.Logger) Option {
	return func(b *BranchAndBound) { b.logger = l }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(b *BranchAndBound) { b.metrics = r }
}

// NewBranchAndBound returns the reference oracle.
func NewBranchAndBound(opts ...Option) *BranchAndBound {
	b := &BranchAndBound{logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(logging.Component("solver"))
	return b
}

type bbNode struct {
	lo, hi []float64
	bound  float64
	depth  int
	// parent is the sequence number of the node whose basis start holds
	parent int
	start  *basisSnapshot
}

// Solve minimizes p. Infeasible, unbounded, out-of-time and non-converging
// outcomes are reported through Result.Status; errors are reserved for
// invalid problems and cancellation other than a deadline.
func (b *BranchAndBound) Solve(ctx context.Context, p *Problem, opts Options) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	var deadline time.Time
	if opts.TimeLimit > 0 {
		deadline = start.Add(opts.TimeLimit)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	res := &Result{Status: Infeasible, Objective: math.Inf(1), BestBound: math.Inf(-1)}
	finish := func(status Status) (*Result, error) {
		res.Status = status
		res.Elapsed = time.Since(start)
		if res.HasIncumbent() && status == Optimal {
			res.BestBound = math.Min(res.BestBound, res.Objective)
		}
		b.metrics.RecordSolve(status.String(), res.Elapsed, res.Nodes, res.Pivots)
		if opts.LogLevel >= 1 {
			fields := []logging.Field{
				logging.String("problem", p.Name), logging.Status(status.String()),
				logging.Int("nodes", res.Nodes), logging.Int("pivots", res.Pivots),
				logging.Latency(res.Elapsed),
			}
			if res.HasIncumbent() {
				fields = append(fields, logging.Float64("objective", res.Objective))
				if g := res.Gap(); !math.IsInf(g, 0) {
					fields = append(fields, logging.Float64("gap", g))
				}
			}
			b.logger.Info("solve finished", fields...)
		}
		return res, nil
	}

	gap := opts.gap()
	lo, hi := p.bounds()
	stack := []bbNode{{lo: lo, hi: hi, bound: math.Inf(-1)}}
	t := newTableau(ctx, p, deadline)
	if opts.IterationLimit > 0 {
		t.limit = opts.IterationLimit
	}
	// sequence number of the node whose final basis t holds
	loaded := 0

	for len(stack) > 0 {
		if opts.MaxNodes > 0 && res.Nodes >= opts.MaxNodes {
			res.BestBound = openBound(stack, res.Objective)
			return finish(TimeLimit)
		}
		if err := checkDeadline(ctx, deadline); err != nil {
			if errors.Is(err, errTimeout) {
				res.BestBound = openBound(stack, res.Objective)
				return finish(TimeLimit)
			}
			return nil, err
		}

		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if res.HasIncumbent() && prunable(node.bound, res.Objective, gap) {
			continue
		}

		if node.parent != loaded {
			t.load(node.start)
		}
		res.Nodes++
		loaded = res.Nodes
		lp, err := t.solve(node.lo, node.hi)
		res.Pivots += lp.pivots
		if isNumerical(err) {
			// once more from the slack basis
			b.logger.Warn("node LP failed, restarting from slack basis",
				logging.String("problem", p.Name), logging.Int("node", res.Nodes), logging.Error(err))
			t.load(nil)
			lp, err = t.solve(node.lo, node.hi)
			res.Pivots += lp.pivots
		}
		if err != nil {
			stack = append(stack, node)
			res.BestBound = openBound(stack, res.Objective)
			switch {
			case errors.Is(err, errTimeout):
				return finish(TimeLimit)
			case isNumerical(err):
				b.logger.Warn("node LP did not converge",
					logging.String("problem", p.Name), logging.Int("node", res.Nodes), logging.Error(err))
				return finish(NumericalFailure)
			}
			return nil, err
		}

		switch lp.status {
		case lpInfeasible:
			continue
		case lpUnbounded:
			if node.depth == 0 {
				return finish(Unbounded)
			}
			continue
		}
		if node.depth == 0 {
			res.BestBound = lp.obj
		}
		if res.HasIncumbent() && prunable(lp.obj, res.Objective, gap) {
			continue
		}

		j := b.branchVariable(p, lp.x)
		if j < 0 {
			b.accept(p, lp, res, opts)
			if bound := openBound(stack, res.Objective); relativeGap(res.Objective, bound) <= gap {
				res.BestBound = bound
				return finish(Optimal)
			}
			continue
		}

		v := lp.x[j]
		start := t.snapshot()
		down := bbNode{lo: node.lo, hi: slices.Clone(node.hi), bound: lp.obj, depth: node.depth + 1, parent: loaded, start: start}
		down.hi[j] = math.Floor(v)
		up := bbNode{lo: slices.Clone(node.lo), hi: node.hi, bound: lp.obj, depth: node.depth + 1, parent: loaded, start: start}
		up.lo[j] = math.Ceil(v)

		if opts.LogLevel >= 3 {
			b.logger.Debug("branch",
				logging.Int("node", res.Nodes), logging.Int("depth", node.depth),
				logging.String("variable", name(p.vars[j].Name, "x", j)),
				logging.Float64("value", v), logging.Float64("bound", lp.obj))
		}

		// the nearer side is explored first
		if v-math.Floor(v) >= 0.5 {
			stack = append(stack, down, up)
		} else {
			stack = append(stack, up, down)
		}
	}

	if !res.HasIncumbent() {
		return finish(Infeasible)
	}
	res.BestBound = res.Objective
	return finish(Optimal)
}

// accept installs an integral LP solution as incumbent when it improves.
func (b *BranchAndBound) accept(p *Problem, lp lpSolution, res *Result, opts Options) {
	if res.HasIncumbent() && lp.obj >= res.Objective {
		return
	}
	x := lp.x
	for j, v := range p.vars {
		if v.Kind != Continuous {
			x[j] = math.Round(x[j])
		}
	}
	obj, _ := p.Evaluate(x)
	res.Values = x
	res.Objective = obj
	if opts.LogLevel >= 2 {
		b.logger.Info("new incumbent",
			logging.String("problem", p.Name), logging.Float64("objective", obj),
			logging.Int("nodes", res.Nodes))
	}
}

// branchVariable returns the most fractional integer variable, or -1.
func (b *BranchAndBound) branchVariable(p *Problem, x []float64) int {
	best, bestFrac := -1, intTolerance
	for j, v := range p.vars {
		if v.Kind == Continuous {
			continue
		}
		frac := x[j] - math.Floor(x[j])
		dist := math.Min(frac, 1-frac)
		if dist > bestFrac {
			best, bestFrac = j, dist
		}
	}
	return best
}

func isNumerical(err error) bool {
	return errors.Is(err, ErrIterationLimit) || errors.Is(err, ErrNumerical)
}

func prunable(bound, incumbent, gap float64) bool {
	return bound >= incumbent-gap*math.Max(math.Abs(incumbent), 1e-9)
}

// openBound is the smallest bound over open nodes, capped by the incumbent.
func openBound(stack []bbNode, incumbent float64) float64 {
	bound := incumbent
	for _, n := range stack {
		bound = math.Min(bound, n.bound)
	}
	return bound
}

func checkDeadline(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errTimeout
		}
		return err
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return errTimeout
	}
	return nil
}
