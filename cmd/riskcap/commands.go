package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dd0wney/cluso-riskcap/pkg/capacity"
	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/estimate"
	"github.com/dd0wney/cluso-riskcap/pkg/importance"
	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/network"
	"github.com/dd0wney/cluso-riskcap/pkg/scenario"
	"github.com/dd0wney/cluso-riskcap/pkg/solver"
)

// parse handles -h without treating it as a failure.
func parse(fs *flag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func setup(ctx context.Context, fs *flag.FlagSet, common *commonFlags, args []string) (*env, error) {
	ok, err := parse(fs, args)
	if err != nil || !ok {
		return nil, err
	}
	cfg, err := common.load(fs)
	if err != nil {
		return nil, err
	}
	return newEnv(ctx, cfg)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSolve(ctx context.Context, args []string) error {
	fs, common := newFlagSet("solve", "Draws optimization scenarios, solves the capacity model and stores the design.")
	out := fs.String("out", "", "also write the design record to this file")
	e, err := setup(ctx, fs, common, args)
	if err != nil || e == nil {
		return err
	}
	defer e.Close()

	g, err := e.cfg.Graph()
	if err != nil {
		return err
	}
	runner, err := e.runner()
	if err != nil {
		return err
	}
	report, err := runner.Optimize(ctx, e.cfg.Study(g))
	if err != nil {
		return err
	}

	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		if err := design.Save(f, report.Solution.Design); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	fmt.Print(renderReport(report, e.cfg.Model.Epsilon))
	return nil
}

func runValidate(ctx context.Context, args []string) error {
	fs, common := newFlagSet("validate", "Estimates per-link failure probabilities of a saved design on fresh scenarios.")
	id := fs.String("design", "", "design id in the configured store")
	path := fs.String("file", "", "design record file")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	e, err := setup(ctx, fs, common, args)
	if err != nil || e == nil {
		return err
	}
	defer e.Close()

	d, err := e.loadDesign(ctx, *id, *path)
	if err != nil {
		return err
	}
	est, err := e.estimator()
	if err != nil {
		return err
	}
	seed := e.cfg.Scenarios.Seed
	if seed == 0 {
		seed = scenario.AutoSeed()
	}
	e.logger.Info("validating design", logging.String("design", d.ID), logging.Seed(seed),
		logging.Samples(e.cfg.Scenarios.ValidationSamples))

	var res *estimate.Result
	var quantiles []capacity.Quantile
	if e.cfg.Estimate.Fused || len(e.cfg.Dispatch.Workers) > 0 {
		req := e.cfg.SampleRequest(d)
		req.Seed = seed
		if res, err = est.Sample(ctx, req); err != nil {
			return err
		}
	} else {
		res, quantiles, err = e.validateMaterialized(ctx, est, d, seed)
		if err != nil {
			return err
		}
	}

	binomial := make([]float64, len(res.Links))
	for i, l := range res.Links {
		if binomial[i], err = estimate.BinomialHalfWidth(l.Probability, res.Samples, res.Confidence); err != nil {
			return err
		}
	}
	if *asJSON {
		return writeJSON(os.Stdout, struct {
			Seed     uint64           `json:"seed"`
			Result   *estimate.Result `json:"result"`
			Binomial []float64        `json:"binomialHalfWidth"`
		}{seed, res, binomial})
	}
	fmt.Print(renderEstimate("Validation", res, e.cfg.Model.Epsilon, binomial))
	if len(quantiles) > 0 {
		fmt.Print(renderQuantiles(quantiles))
	}
	return nil
}

// validateMaterialized draws the validation set at the proposal, reweights
// it to the target, and also evaluates the superquantile model on it.
func (e *env) validateMaterialized(ctx context.Context, est *estimate.Estimator, d *design.Design, seed uint64) (*estimate.Result, []capacity.Quantile, error) {
	target := e.cfg.Scenarios.FailureProbability
	proposal := e.cfg.Scenarios.Proposal
	if proposal == 0 {
		proposal = target
	}
	set, err := scenario.NewGenerator(
		scenario.WithWorkers(e.cfg.Scenarios.Workers),
		scenario.WithChunks(e.cfg.Scenarios.Chunks),
		scenario.WithPurpose("validation"),
		scenario.WithLogger(e.logger),
		scenario.WithMetrics(e.metrics),
	).Generate(ctx, scenario.Request{
		Count:              e.cfg.Scenarios.ValidationSamples,
		FailureProbability: proposal,
		Weights:            network.UniformCapacity(d.Commodities, e.cfg.Network.Demand),
		Seed:               seed,
	})
	if err != nil {
		return nil, nil, err
	}

	var weights []float64
	if proposal != target {
		rw := importance.Reweighter{Target: target, Proposal: proposal, Metrics: e.metrics}
		if weights, err = rw.Weights(set); err != nil {
			return nil, nil, err
		}
	}
	res, err := est.Estimate(ctx, estimate.Input{Scenarios: set, Weights: weights, Design: d})
	if err != nil {
		return nil, nil, err
	}

	model, err := e.model()
	if err != nil {
		return nil, nil, err
	}
	qs, err := model.Superquantile(ctx, d, set, weights)
	if err != nil {
		return nil, nil, err
	}
	return res, qs, nil
}

func runEscalate(ctx context.Context, args []string) error {
	fs, common := newFlagSet("escalate", "Validates a saved design with growing sample sizes until the largest half-width is within tolerance.")
	id := fs.String("design", "", "design id in the configured store")
	path := fs.String("file", "", "design record file")
	tolerance := fs.Float64("tolerance", -1, "half-width tolerance (overrides escalation.tolerance)")
	e, err := setup(ctx, fs, common, args)
	if err != nil || e == nil {
		return err
	}
	defer e.Close()

	d, err := e.loadDesign(ctx, *id, *path)
	if err != nil {
		return err
	}
	est, err := e.estimator()
	if err != nil {
		return err
	}
	plan := e.cfg.EscalationPlan()
	if *tolerance >= 0 {
		plan.Tolerance = *tolerance
	}

	res, err := est.Escalate(ctx, e.cfg.SampleRequest(d), plan, func(r estimate.Round) {
		fmt.Fprintf(os.Stderr, "round %d: %d samples, max half-width %.2e (%s)\n",
			r.Round, r.Samples, r.MaxHalfWidth, r.Elapsed.Round(time.Millisecond))
	})
	if err != nil {
		return err
	}
	fmt.Print(renderRounds(res, plan.Tolerance))
	fmt.Print(renderEstimate("Final round", res.Final, e.cfg.Model.Epsilon, nil))
	return nil
}

func runStudy(ctx context.Context, args []string) error {
	fs, common := newFlagSet("run", "Solves the model and validates the design on an independent scenario stream.")
	upper := fs.Bool("upper-bound", false, "also estimate the design-time bound statistic")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	e, err := setup(ctx, fs, common, args)
	if err != nil || e == nil {
		return err
	}
	defer e.Close()

	g, err := e.cfg.Graph()
	if err != nil {
		return err
	}
	runner, err := e.runner()
	if err != nil {
		return err
	}
	study := e.cfg.Study(g)
	if *upper {
		study.UpperBound = true
	}

	report, err := runner.Run(ctx, study)
	if report != nil {
		if *asJSON {
			if jerr := writeJSON(os.Stdout, report); jerr != nil {
				return jerr
			}
		} else {
			fmt.Print(renderReport(report, e.cfg.Model.Epsilon))
		}
	}
	return err
}

func runExportLP(ctx context.Context, args []string) error {
	fs, common := newFlagSet("export-lp", "Builds the model on the optimization scenarios and writes it in CPLEX LP format.")
	out := fs.String("out", "", "output file (default stdout)")
	e, err := setup(ctx, fs, common, args)
	if err != nil || e == nil {
		return err
	}
	defer e.Close()

	g, err := e.cfg.Graph()
	if err != nil {
		return err
	}
	runner, err := e.runner()
	if err != nil {
		return err
	}
	inst, report, err := runner.Build(ctx, e.cfg.Study(g))
	if err != nil {
		return err
	}

	if err := writeLP(*out, inst.Problem); err != nil {
		return err
	}
	e.logger.Info("model exported",
		logging.Seed(report.Seed),
		logging.Int("variables", inst.Problem.NumVars()),
		logging.Int("scenario_groups", inst.Groups))
	return nil
}

// writeLP writes p to path, or to stdout when path is empty.
func writeLP(path string, p *solver.Problem) error {
	if path == "" {
		return solver.WriteLP(os.Stdout, p)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := solver.WriteLP(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runServeMetrics(ctx context.Context, args []string) error {
	fs, common := newFlagSet("serve-metrics", "Serves /metrics, /healthz and /readyz until interrupted.")
	addr := fs.String("addr", ":9090", "listen address (metrics.addr takes precedence when set)")
	ok, err := parse(fs, args)
	if err != nil || !ok {
		return err
	}
	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = *addr
	}
	e, err := newEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	<-ctx.Done()
	e.logger.Info("metrics server stopping")
	return nil
}
