package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/dd0wney/cluso-riskcap/pkg/capacity"
	"github.com/dd0wney/cluso-riskcap/pkg/config"
	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/dispatch"
	"github.com/dd0wney/cluso-riskcap/pkg/estimate"
	"github.com/dd0wney/cluso-riskcap/pkg/health"
	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
	"github.com/dd0wney/cluso-riskcap/pkg/pipeline"
	"github.com/dd0wney/cluso-riskcap/pkg/server"
)

// commonFlags are accepted by every command and override the loaded
// configuration when given.
type commonFlags struct {
	configPath string
	seed       uint64
	workers    int
	samples    int
	fused      bool
}

func newFlagSet(name string, usage string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: riskcap %s [options]\n\n%s\n\nOptions:\n", name, usage)
		fs.PrintDefaults()
	}
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", os.Getenv("RISKCAP_CONFIG"), "YAML configuration file")
	fs.Uint64Var(&c.seed, "seed", 0, "run seed (overrides scenarios.seed)")
	fs.IntVar(&c.workers, "workers", 0, "in-process workers (overrides scenarios.workers)")
	fs.IntVar(&c.samples, "samples", 0, "validation samples (overrides scenarios.validationSamples)")
	fs.BoolVar(&c.fused, "fused", false, "validate with fused sampling (overrides estimate.fused)")
	return fs, c
}

// load reads the configuration and applies the flags that were set.
func (c *commonFlags) load(fs *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			cfg.Scenarios.Seed = c.seed
		case "workers":
			cfg.Scenarios.Workers = c.workers
		case "samples":
			cfg.Scenarios.ValidationSamples = c.samples
		case "fused":
			cfg.Estimate.Fused = c.fused
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env holds what a command shares with the packages it drives.
type env struct {
	cfg     *config.Config
	logger  logging.Logger
	metrics *metrics.Registry
	store   design.Store
	closers []func() error
}

func newEnv(ctx context.Context, cfg *config.Config) (*env, error) {
	e := &env{
		cfg:     cfg,
		logger:  cfg.Logger(os.Stderr),
		metrics: metrics.DefaultRegistry(),
	}
	logging.SetDefaultLogger(e.logger)

	store, closeStore, err := cfg.OpenStore(ctx, e.metrics)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	e.store = store
	e.closers = append(e.closers, closeStore)

	if cfg.Metrics.Addr != "" {
		e.serveMetrics(ctx, cfg.Metrics.Addr)
	}
	return e, nil
}

// serveMetrics exposes metrics and health until the env is closed.
func (e *env) serveMetrics(ctx context.Context, addr string) {
	hc := health.NewChecker()
	hc.Register("memory", health.MemoryCheck(0))
	if e.store != nil {
		hc.RegisterReadiness("store", health.StoreCheck(e.store))
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	srv := server.New(addr, server.Observability(e.metrics, hc), e.logger)
	go func() { done <- srv.Run(ctx) }()
	e.closers = append(e.closers, func() error {
		cancel()
		return <-done
	})
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close failed", logging.Error(err))
		}
	}
}

func (e *env) model() (*capacity.Model, error) {
	cfg, err := e.cfg.ModelConfig()
	if err != nil {
		return nil, err
	}
	return capacity.NewModel(cfg, capacity.WithLogger(e.logger), capacity.WithMetrics(e.metrics)), nil
}

// estimator runs chunks on the configured dispatch workers, or in process
// when there are none.
func (e *env) estimator() (*estimate.Estimator, error) {
	opts := append(e.cfg.EstimatorOptions(),
		estimate.WithLogger(e.logger),
		estimate.WithMetrics(e.metrics))

	if len(e.cfg.Dispatch.Workers) > 0 {
		coord, err := dispatch.NewCoordinator(dispatch.CoordinatorConfig{
			Workers:      e.cfg.Dispatch.Workers,
			ChunkTimeout: e.cfg.Dispatch.ChunkTimeout,
		}, e.logger, e.metrics)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, coord.Close)
		opts = append(opts, estimate.WithRunner(coord))
	}
	return estimate.NewEstimator(opts...), nil
}

func (e *env) runner() (*pipeline.Runner, error) {
	model, err := e.model()
	if err != nil {
		return nil, err
	}
	est, err := e.estimator()
	if err != nil {
		return nil, err
	}
	return pipeline.NewRunner(model, est,
		pipeline.WithStore(e.store),
		pipeline.WithWorkers(e.cfg.Scenarios.Workers),
		pipeline.WithChunks(e.cfg.Scenarios.Chunks),
		pipeline.WithLogger(e.logger),
		pipeline.WithMetrics(e.metrics)), nil
}

// loadDesign reads a design from a record file, or from the store by id.
func (e *env) loadDesign(ctx context.Context, id, path string) (*design.Design, error) {
	switch {
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return design.Load(f)
	case id != "":
		if e.store == nil {
			return nil, errors.New("no design store configured; pass -file instead")
		}
		return e.store.Get(ctx, id)
	}
	return nil, errors.New("one of -design or -file is required")
}
