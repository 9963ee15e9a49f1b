package capacity

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
	"github.com/dd0wney/cluso-riskcap/pkg/solver"
)

var tracer = otel.Tracer("github.com/dd0wney/cluso-riskcap/pkg/capacity")

// Model solves capacity designs. It holds no per-solve state; every call
// to Solve or Build constructs its own problem.
type Model struct {
	cfg     Config
	oracle  solver.Oracle
	logger  logging.Logger
	metrics *metrics.Registry
}

// Option configures a Model.
type Option func(*Model)

// WithOracle replaces the reference branch-and-bound oracle.
func WithOracle(o solver.Oracle) Option {
	return func(m *Model) { m.oracle = o }
}

func WithLogger(l logging.Logger) Option {
	return func(m *Model) { m.logger = l }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(m *Model) { m.metrics = r }
}

// NewModel returns a model for cfg.
func NewModel(cfg Config, opts ...Option) *Model {
	m := &Model{cfg: cfg, logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(logging.Component("capacity"))
	if m.oracle == nil {
		m.oracle = solver.NewBranchAndBound(solver.WithLogger(m.logger), solver.WithMetrics(m.metrics))
	}
	return m
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// Solution is a solved design plus solve statistics.
type Solution struct {
	Design      *design.Design
	Status      solver.Status
	Gap         float64
	Nodes       int
	Variables   int
	Constraints int
	Groups      int
	Elapsed     time.Duration
}

// Solve builds the model for in, calls the oracle and extracts the design.
// Anything but an optimal result, or a time-limited incumbent when
// AcceptIncumbent is set, yields an *InfeasibleError.
func (m *Model) Solve(ctx context.Context, in Input) (*Solution, error) {
	ctx, span := tracer.Start(ctx, "capacity.Solve", trace.WithAttributes(
		attribute.Float64("epsilon", m.cfg.Epsilon),
		attribute.String("routing", m.cfg.Routing.String()),
		attribute.String("domain", m.cfg.Domain.String()),
	))
	defer span.End()

	inst, err := m.Build(in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid input")
		return nil, err
	}
	p := inst.Problem
	m.metrics.RecordModelSize(p.NumVars(), p.NumConstraints(), inst.Groups)
	span.SetAttributes(
		attribute.Int("variables", p.NumVars()),
		attribute.Int("constraints", p.NumConstraints()),
		attribute.Int("scenario_groups", inst.Groups),
	)

	timer := logging.StartTimer(m.logger, "capacity model solved",
		logging.Epsilon(m.cfg.Epsilon), logging.Samples(in.Scenarios.Count),
		logging.Int("variables", p.NumVars()), logging.Int("constraints", p.NumConstraints()),
		logging.Int("scenario_groups", inst.Groups))

	res, err := m.oracle.Solve(ctx, p, m.cfg.Solver)
	if err != nil {
		timer.EndError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "oracle failed")
		return nil, fmt.Errorf("solve %s: %w", p.Name, err)
	}

	sol := &Solution{
		Status:      res.Status,
		Gap:         res.Gap(),
		Nodes:       res.Nodes,
		Variables:   p.NumVars(),
		Constraints: p.NumConstraints(),
		Groups:      inst.Groups,
		Elapsed:     res.Elapsed,
	}
	usable := res.Status == solver.Optimal ||
		(res.Status == solver.TimeLimit && res.HasIncumbent() && m.cfg.AcceptIncumbent)
	if !usable || !res.HasIncumbent() {
		ierr := &InfeasibleError{Status: res.Status, HasIncumbent: res.HasIncumbent(), Gap: res.Gap()}
		timer.EndError(ierr)
		span.RecordError(ierr)
		span.SetStatus(codes.Error, res.Status.String())
		return nil, ierr
	}

	d := inst.Extract(res)
	if err := d.PruneCycles(); err != nil {
		timer.EndError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "extracted routes are inconsistent")
		return nil, fmt.Errorf("extract design: %w", err)
	}
	sol.Design = d

	chosen := d.ChosenLinks()
	m.metrics.RecordDesign(d.TotalCapacity(), len(chosen))
	span.SetAttributes(
		attribute.Float64("objective", res.Objective),
		attribute.Int("chosen_links", len(chosen)),
	)
	timer.End(logging.Status(res.Status.String()),
		logging.Float64("objective", res.Objective),
		logging.Int("chosen_links", len(chosen)),
		logging.Int("nodes", res.Nodes))
	return sol, nil
}
