// Package pipeline runs one design study end to end: optimization
// scenarios, importance weights, the capacity model, and validation on an
// independent scenario stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dd0wney/cluso-riskcap/pkg/capacity"
	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/estimate"
	"github.com/dd0wney/cluso-riskcap/pkg/importance"
	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
	"github.com/dd0wney/cluso-riskcap/pkg/network"
	"github.com/dd0wney/cluso-riskcap/pkg/scenario"
	"github.com/dd0wney/cluso-riskcap/pkg/validation"
)

var tracer = otel.Tracer("github.com/dd0wney/cluso-riskcap/pkg/pipeline")

// ErrInvalidStudy is returned for malformed study parameters.
var ErrInvalidStudy = errors.New("invalid study")

// Study parameterizes a run.
type Study struct {
	Graph *network.Graph
	// Commodities default to one per link of Graph.
	Commodities []network.Commodity
	// Demands default to 1 per commodity.
	Demands []float64
	// FailureProbability is the target per-link failure probability.
	FailureProbability float64
	// Proposal, when set and different from FailureProbability, draws the
	// optimization scenarios at Proposal and reweights them.
	Proposal            float64
	OptimizationSamples int
	ValidationSamples   int
	// Seed is the run seed; the optimization and validation streams are
	// derived from it. Zero draws a fresh seed.
	Seed uint64
	// Fused validates with Estimator.Sample instead of a materialized set.
	Fused bool
	// UpperBound also estimates the design-time bound statistic; it needs
	// a materialized validation set and is ignored when Fused.
	UpperBound bool
}

func (s *Study) defaults() {
	if s.Commodities == nil && s.Graph != nil {
		s.Commodities = network.LinkCommodities(s.Graph)
	}
	if s.Demands == nil {
		s.Demands = make([]float64, len(s.Commodities))
		for i := range s.Demands {
			s.Demands[i] = 1
		}
	}
	if s.Proposal == 0 {
		s.Proposal = s.FailureProbability
	}
}

func (s Study) validate(validating bool) error {
	return validation.NewConfigValidator("study").
		Custom("Graph", func() error {
			if s.Graph == nil {
				return errors.New("is required")
			}
			return nil
		}).
		Probability("FailureProbability", s.FailureProbability).
		Probability("Proposal", s.Proposal).
		Positive("OptimizationSamples", s.OptimizationSamples).
		When(validating, func(v *validation.ConfigValidator) {
			v.MinInt("ValidationSamples", s.ValidationSamples, 2)
		}).
		NonNegativeFloats("Demands", s.Demands).
		Custom("Demands", func() error {
			if len(s.Demands) != len(s.Commodities) {
				return fmt.Errorf("has %d values for %d commodities", len(s.Demands), len(s.Commodities))
			}
			return nil
		}).Validate()
}

func (s Study) reweighted() bool { return s.Proposal != s.FailureProbability }

// Report is the outcome of a run. Solution is nil when the model was
// infeasible, and then nothing was estimated.
type Report struct {
	RunID     string
	Seed      uint64
	Solution  *capacity.Solution
	Stored    string
	Quantiles []capacity.Quantile
	// EffectiveSampleSize of the optimization weights; equal to the
	// sample count without reweighting.
	EffectiveSampleSize float64
	Validation          *estimate.Result
	UpperBound          *estimate.Result
	// BinomialHalfWidth is aligned with Validation.Links.
	BinomialHalfWidth []float64
	Elapsed           time.Duration
}

// Runner wires the components of a run.
type Runner struct {
	model     *capacity.Model
	estimator *estimate.Estimator
	workers   int
	chunks    int
	store     design.Store
	logger    logging.Logger
	metrics   *metrics.Registry
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore saves every solved design under the run ID.
func WithStore(s design.Store) Option {
	return func(r *Runner) { r.store = s }
}

// WithWorkers sets the scenario generation goroutine count.
func WithWorkers(n int) Option {
	return func(r *Runner) { r.workers = n }
}

// WithChunks sets the scenario stream partition; zero means
// scenario.DefaultChunks. With the seed it fixes the scenarios drawn.
func WithChunks(n int) Option {
	return func(r *Runner) { r.chunks = n }
}

func WithLogger(l logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner returns a runner around a model and an estimator.
func NewRunner(model *capacity.Model, estimator *estimate.Estimator, opts ...Option) *Runner {
	r := &Runner{model: model, estimator: estimator, logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) generator(purpose string, logger logging.Logger) *scenario.Generator {
	return scenario.NewGenerator(
		scenario.WithWorkers(r.workers),
		scenario.WithChunks(r.chunks),
		scenario.WithPurpose(purpose),
		scenario.WithLogger(logger),
		scenario.WithMetrics(r.metrics),
	)
}

// Run executes a study. An infeasible model returns the partial report
// together with an error wrapping capacity.ErrInfeasible.
func (r *Runner) Run(ctx context.Context, study Study) (*Report, error) {
	return r.run(ctx, study, true)
}

// Optimize solves and stores the design of a study without validating it.
// ValidationSamples is ignored.
func (r *Runner) Optimize(ctx context.Context, study Study) (*Report, error) {
	return r.run(ctx, study, false)
}

// Build draws the optimization scenarios of a study and returns the model
// instance a solve would hand to the oracle.
func (r *Runner) Build(ctx context.Context, study Study) (*capacity.Instance, *Report, error) {
	study.defaults()
	report := &Report{RunID: uuid.NewString(), Seed: study.Seed}
	if report.Seed == 0 {
		report.Seed = scenario.AutoSeed()
	}
	if err := study.validate(false); err != nil {
		return nil, report, fmt.Errorf("%w: %v", ErrInvalidStudy, err)
	}
	logger := r.logger.With(logging.Component("pipeline"), logging.RunID(report.RunID))
	opt, weights, err := r.optimizationScenarios(ctx, study, report, logger)
	if err != nil {
		return nil, report, err
	}
	inst, err := r.model.Build(capacity.Input{
		Graph:       study.Graph,
		Commodities: study.Commodities,
		Scenarios:   opt,
		Weights:     weights,
	})
	return inst, report, err
}

func (r *Runner) run(ctx context.Context, study Study, validating bool) (*Report, error) {
	study.defaults()
	report := &Report{RunID: uuid.NewString(), Seed: study.Seed}
	if report.Seed == 0 {
		report.Seed = scenario.AutoSeed()
	}
	logger := r.logger.With(logging.Component("pipeline"), logging.RunID(report.RunID))

	name := "pipeline.Run"
	if !validating {
		name = "pipeline.Optimize"
	}
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Float64("failure_probability", study.FailureProbability),
		attribute.Float64("proposal", study.Proposal),
		attribute.Int("optimization_samples", study.OptimizationSamples),
		attribute.Int("validation_samples", study.ValidationSamples),
	))
	defer span.End()

	fail := func(msg string, err error) (*Report, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		logger.Error(msg, logging.Error(err))
		return report, err
	}
	if err := study.validate(validating); err != nil {
		return fail("invalid study", fmt.Errorf("%w: %v", ErrInvalidStudy, err))
	}

	start := time.Now()
	logger.Info("run started",
		logging.Seed(report.Seed), logging.Probability(study.FailureProbability),
		logging.Epsilon(r.model.Config().Epsilon))

	opt, weights, err := r.optimizationScenarios(ctx, study, report, logger)
	if err != nil {
		return fail("optimization scenarios failed", err)
	}

	sol, err := r.model.Solve(ctx, capacity.Input{
		Graph:       study.Graph,
		Commodities: study.Commodities,
		Scenarios:   opt,
		Weights:     weights,
	})
	if err != nil {
		// an infeasible design is never estimated
		return fail("capacity model failed", err)
	}
	report.Solution = sol
	sol.Design.ID = report.RunID

	if r.store != nil {
		id, err := r.store.Put(ctx, sol.Design)
		if err != nil {
			return fail("design not stored", err)
		}
		report.Stored = id
	}

	if !validating {
		report.Elapsed = time.Since(start)
		logger.Info("design optimized",
			logging.Float64("total_capacity", sol.Design.TotalCapacity()),
			logging.Int("chosen_links", len(sol.Design.ChosenLinks())),
			logging.Latency(report.Elapsed))
		return report, nil
	}

	if err := r.validate(ctx, study, report, opt, weights, logger); err != nil {
		return fail("validation failed", err)
	}

	report.Elapsed = time.Since(start)
	logger.Info("run finished",
		logging.Float64("total_capacity", sol.Design.TotalCapacity()),
		logging.Int("chosen_links", len(sol.Design.ChosenLinks())),
		logging.Probability(report.Validation.MaxProbability()),
		logging.Latency(report.Elapsed))
	return report, nil
}

func (r *Runner) optimizationScenarios(ctx context.Context, study Study, report *Report, logger logging.Logger) (*scenario.Set, []float64, error) {
	set, err := r.generator("optimization", logger).Generate(ctx, scenario.Request{
		Count:              study.OptimizationSamples,
		FailureProbability: study.Proposal,
		Weights:            study.Demands,
		Seed:               scenario.DeriveSeed(report.Seed, "optimization"),
	})
	if err != nil {
		return nil, nil, err
	}
	report.EffectiveSampleSize = float64(set.Count)
	if !study.reweighted() {
		return set, nil, nil
	}

	rw := importance.Reweighter{Target: study.FailureProbability, Proposal: study.Proposal, Metrics: r.metrics}
	logw, err := rw.LogWeights(set)
	if err != nil {
		return nil, nil, err
	}
	report.EffectiveSampleSize = importance.EffectiveSampleSize(logw)
	weights, err := rw.Weights(set)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("optimization scenarios reweighted",
		logging.Float64("effective_sample_size", report.EffectiveSampleSize))
	return set, weights, nil
}

// validate estimates the design on scenarios drawn from the validation
// stream at the target probability.
func (r *Runner) validate(ctx context.Context, study Study, report *Report, opt *scenario.Set, weights []float64, logger logging.Logger) error {
	d := report.Solution.Design
	seed := scenario.DeriveSeed(report.Seed, "validation")

	if study.Fused {
		res, err := r.estimator.Sample(ctx, estimate.SampleRequest{
			Design:   d,
			Count:    study.ValidationSamples,
			Proposal: study.FailureProbability,
			Demands:  study.Demands,
			Chunks:   r.chunks,
			Seed:     seed,
		})
		if err != nil {
			return err
		}
		report.Validation = res
	} else {
		val, err := r.generator("validation", logger).Generate(ctx, scenario.Request{
			Count:              study.ValidationSamples,
			FailureProbability: study.FailureProbability,
			Weights:            study.Demands,
			Seed:               seed,
		})
		if err != nil {
			return err
		}
		in := estimate.Input{Scenarios: val, Design: d}
		if report.Validation, err = r.estimator.Estimate(ctx, in); err != nil {
			return err
		}

		if report.Quantiles, err = r.model.Superquantile(ctx, d, val, nil); err != nil {
			return err
		}
		if study.UpperBound {
			// z0 comes from the design-time scenarios
			atDesign, err := r.model.Superquantile(ctx, d, opt, weights)
			if err != nil {
				return err
			}
			z0 := make([]float64, len(atDesign))
			for i, q := range atDesign {
				z0[i] = q.Z0
			}
			report.UpperBound, err = r.estimator.EstimateUpperBound(ctx, in,
				estimate.Bound{Epsilon: r.model.Config().Epsilon, Z0: z0})
			if err != nil {
				return err
			}
		}
	}

	report.BinomialHalfWidth = make([]float64, len(report.Validation.Links))
	for i, l := range report.Validation.Links {
		hw, err := estimate.BinomialHalfWidth(l.Probability, report.Validation.Samples, report.Validation.Confidence)
		if err != nil {
			return err
		}
		report.BinomialHalfWidth[i] = hw
	}
	return nil
}
