// Package config loads the run configuration shared by the riskcap
// commands: defaults, then a YAML file, then RISKCAP_* environment
// variables, then validation.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-riskcap/pkg/capacity"
	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/estimate"
	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
	"github.com/dd0wney/cluso-riskcap/pkg/network"
	"github.com/dd0wney/cluso-riskcap/pkg/pipeline"
	"github.com/dd0wney/cluso-riskcap/pkg/solver"
	"github.com/dd0wney/cluso-riskcap/pkg/validation"
)

// ErrInvalidConfig wraps every load or validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the whole run configuration.
type Config struct {
	Network    NetworkConfig    `yaml:"network"`
	Model      ModelConfig      `yaml:"model"`
	Solver     SolverConfig     `yaml:"solver"`
	Scenarios  ScenarioConfig   `yaml:"scenarios"`
	Estimate   EstimateConfig   `yaml:"estimate"`
	Escalation EscalationConfig `yaml:"escalation"`
	Store      StoreConfig      `yaml:"store"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// NetworkConfig selects the primary topology. Every primary link is a
// protected commodity.
type NetworkConfig struct {
	// Topology is "nsfnet" or "mesh-<n>".
	Topology string `yaml:"topology" validate:"required"`
	// Demand is the load a failed commodity puts on its backup route.
	Demand float64 `yaml:"demand" validate:"gt=0"`
}

type ModelConfig struct {
	Epsilon            float64   `yaml:"epsilon" validate:"gt=0,lte=1"`
	Domain             string    `yaml:"domain"`
	Routing            string    `yaml:"routing"`
	PathCutoff         int       `yaml:"pathCutoff" validate:"gte=0"`
	AggregateScenarios bool      `yaml:"aggregateScenarios"`
	AcceptIncumbent    bool      `yaml:"acceptIncumbent"`
	Tolerance          float64   `yaml:"tolerance" validate:"gt=0"`
	ExistingCapacity   []float64 `yaml:"existingCapacity,omitempty"`
}

type SolverConfig struct {
	GapTolerance float64       `yaml:"gapTolerance" validate:"gte=0"`
	TimeLimit    time.Duration `yaml:"timeLimit"`
	LogLevel     int           `yaml:"logLevel" validate:"gte=0,lte=3"`
	MaxNodes     int           `yaml:"maxNodes" validate:"gte=0"`
	// IterationLimit caps simplex iterations per node; zero scales with
	// the model.
	IterationLimit int `yaml:"iterationLimit" validate:"gte=0"`
}

type ScenarioConfig struct {
	FailureProbability float64 `yaml:"failureProbability" validate:"gt=0,lt=1"`
	// Proposal is the sampling probability; zero samples at
	// FailureProbability.
	Proposal            float64 `yaml:"proposal" validate:"gte=0,lt=1"`
	OptimizationSamples int     `yaml:"optimizationSamples" validate:"gt=0"`
	ValidationSamples   int     `yaml:"validationSamples" validate:"gte=2"`
	// Seed 0 draws a fresh seed per run.
	Seed    uint64 `yaml:"seed"`
	Workers int    `yaml:"workers" validate:"gte=0"`
	// Chunks is the stream partition; zero means scenario.DefaultChunks.
	// Workers never changes the scenarios a seed draws, Chunks does.
	Chunks int `yaml:"chunks" validate:"gte=0"`
}

type EstimateConfig struct {
	Confidence float64 `yaml:"confidence" validate:"gt=0,lt=1"`
	BlockSize  int     `yaml:"blockSize" validate:"gt=0"`
	Fused      bool    `yaml:"fused"`
	UpperBound bool    `yaml:"upperBound"`
	// Chunks fixes the fused partition; zero falls back to scenarios.chunks.
	Chunks int `yaml:"chunks" validate:"gte=0"`
}

type EscalationConfig struct {
	Schedule  []int   `yaml:"schedule,omitempty"`
	Tolerance float64 `yaml:"tolerance" validate:"gte=0"`
}

// StoreConfig selects where designs are kept.
type StoreConfig struct {
	Backend  string   `yaml:"backend" validate:"oneof=none file s3 postgres"`
	Dir      string   `yaml:"dir"`
	S3       S3Config `yaml:"s3"`
	Postgres string   `yaml:"postgres"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	UsePathStyle    bool   `yaml:"usePathStyle"`
}

// DispatchConfig configures remote chunk evaluation. With no workers,
// fused validation runs in process.
type DispatchConfig struct {
	Workers      []string      `yaml:"workers,omitempty"`
	Listen       string        `yaml:"listen"`
	ChunkTimeout time.Duration `yaml:"chunkTimeout"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	model := capacity.DefaultConfig()
	return &Config{
		Network: NetworkConfig{Topology: "nsfnet", Demand: 1},
		Model: ModelConfig{
			Epsilon:            model.Epsilon,
			Domain:             model.Domain.String(),
			Routing:            model.Routing.String(),
			AggregateScenarios: model.AggregateScenarios,
			Tolerance:          model.Tolerance,
		},
		Solver: SolverConfig{
			GapTolerance: model.Solver.GapTolerance,
			LogLevel:     model.Solver.LogLevel,
		},
		Scenarios: ScenarioConfig{
			FailureProbability:  0.025,
			OptimizationSamples: 10_000,
			ValidationSamples:   200_000,
		},
		Estimate: EstimateConfig{
			Confidence: estimate.DefaultConfidence,
			BlockSize:  estimate.DefaultBlockSize,
		},
		Escalation: EscalationConfig{Tolerance: 0.005},
		Store:      StoreConfig{Backend: "file", Dir: "designs"},
		Dispatch:   DispatchConfig{Listen: "tcp://0.0.0.0:7400", ChunkTimeout: 5 * time.Minute},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates, without consulting
// the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate runs the struct tags, then the cross-field checks.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	err := validation.NewConfigValidator("config").
		Custom("network.topology", func() error {
			_, err := network.Named(c.Network.Topology)
			return err
		}).
		PositiveFloat("network.demand", c.Network.Demand).
		Finite("model.epsilon", c.Model.Epsilon).
		PositiveFloat("model.tolerance", c.Model.Tolerance).
		OneOf("model.domain", c.Model.Domain, []string{capacity.Continuous.String(), capacity.Integer.String()}).
		OneOf("model.routing", c.Model.Routing, []string{capacity.RoutingFlow.String(), capacity.RoutingPaths.String()}).
		NonNegativeFloats("model.existingCapacity", c.Model.ExistingCapacity).
		Finite("solver.gapTolerance", c.Solver.GapTolerance).
		NonNegativeDuration("solver.timeLimit", c.Solver.TimeLimit).
		NonNegativeDuration("dispatch.chunkTimeout", c.Dispatch.ChunkTimeout).
		When(c.Store.Backend == "file", func(v *validation.ConfigValidator) {
			v.Required("store.dir", c.Store.Dir)
		}).
		When(c.Store.Backend == "s3", func(v *validation.ConfigValidator) {
			v.Required("store.s3.bucket", c.Store.S3.Bucket)
		}).
		When(c.Store.Backend == "postgres", func(v *validation.ConfigValidator) {
			v.Required("store.postgres", c.Store.Postgres)
		}).
		When(c.Model.Routing != "paths", func(v *validation.ConfigValidator) {
			v.Custom("model.pathCutoff", func() error {
				if c.Model.PathCutoff != 0 {
					return errors.New("only applies to paths routing")
				}
				return nil
			})
		}).
		Custom("escalation.schedule", func() error {
			for i, n := range c.Escalation.Schedule {
				if n < 2 {
					return fmt.Errorf("round %d has %d samples", i, n)
				}
			}
			return nil
		}).
		Validate()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Graph resolves the configured topology.
func (c *Config) Graph() (*network.Graph, error) {
	return network.Named(c.Network.Topology)
}

// SolverOptions converts the solver section.
func (c *Config) SolverOptions() solver.Options {
	return solver.Options{
		GapTolerance:   c.Solver.GapTolerance,
		TimeLimit:      c.Solver.TimeLimit,
		LogLevel:       c.Solver.LogLevel,
		MaxNodes:       c.Solver.MaxNodes,
		IterationLimit: c.Solver.IterationLimit,
	}
}

// ModelConfig converts the model section.
func (c *Config) ModelConfig() (capacity.Config, error) {
	domain, err := capacity.ParseDomain(c.Model.Domain)
	if err != nil {
		return capacity.Config{}, err
	}
	routing, err := capacity.ParseRouting(c.Model.Routing)
	if err != nil {
		return capacity.Config{}, err
	}
	return capacity.Config{
		Epsilon:            c.Model.Epsilon,
		Domain:             domain,
		Routing:            routing,
		PathCutoff:         c.Model.PathCutoff,
		AggregateScenarios: c.Model.AggregateScenarios,
		ExistingCapacity:   c.Model.ExistingCapacity,
		AcceptIncumbent:    c.Model.AcceptIncumbent,
		Solver:             c.SolverOptions(),
		Tolerance:          c.Model.Tolerance,
	}, nil
}

// EstimatorOptions converts the estimate section. The runner, logger and
// metrics are wired by the caller.
func (c *Config) EstimatorOptions() []estimate.Option {
	return []estimate.Option{
		estimate.WithWorkers(c.Scenarios.Workers),
		estimate.WithBlockSize(c.Estimate.BlockSize),
		estimate.WithConfidence(c.Estimate.Confidence),
	}
}

// EscalationPlan converts the escalation section.
func (c *Config) EscalationPlan() estimate.Escalation {
	return estimate.Escalation{Schedule: c.Escalation.Schedule, Tolerance: c.Escalation.Tolerance}
}

// Study builds the pipeline study for g.
func (c *Config) Study(g *network.Graph) pipeline.Study {
	commodities := network.LinkCommodities(g)
	return pipeline.Study{
		Graph:               g,
		Commodities:         commodities,
		Demands:             network.UniformCapacity(commodities, c.Network.Demand),
		FailureProbability:  c.Scenarios.FailureProbability,
		Proposal:            c.Scenarios.Proposal,
		OptimizationSamples: c.Scenarios.OptimizationSamples,
		ValidationSamples:   c.Scenarios.ValidationSamples,
		Seed:                c.Scenarios.Seed,
		Fused:               c.Estimate.Fused,
		UpperBound:          c.Estimate.UpperBound,
	}
}

// SampleRequest builds a fused validation request for a saved design.
func (c *Config) SampleRequest(d *design.Design) estimate.SampleRequest {
	return estimate.SampleRequest{
		Design:   d,
		Count:    c.Scenarios.ValidationSamples,
		Proposal: validation.DefaultOr(c.Scenarios.Proposal, c.Scenarios.FailureProbability),
		Target:   c.Scenarios.FailureProbability,
		Demands:  network.UniformCapacity(d.Commodities, c.Network.Demand),
		Chunks:   validation.DefaultOr(c.Estimate.Chunks, c.Scenarios.Chunks),
		Seed:     c.Scenarios.Seed,
	}
}

// Logger builds the configured logger writing to w.
func (c *Config) Logger(w io.Writer) logging.Logger {
	return logging.NewLogger(w, logging.ParseLevel(c.Logging.Level), logging.ParseFormat(c.Logging.Format))
}

// OpenStore opens the configured design store. The returned close function
// is never nil. Backend "none" yields a nil store.
func (c *Config) OpenStore(ctx context.Context, reg *metrics.Registry) (design.Store, func() error, error) {
	noop := func() error { return nil }
	switch c.Store.Backend {
	case "none":
		return nil, noop, nil
	case "file":
		s, err := design.NewFileStore(c.Store.Dir, reg)
		return s, noop, err
	case "s3":
		client, err := design.NewS3Client(ctx, design.S3Config{
			Bucket:          c.Store.S3.Bucket,
			Prefix:          c.Store.S3.Prefix,
			Region:          c.Store.S3.Region,
			Endpoint:        c.Store.S3.Endpoint,
			AccessKeyID:     c.Store.S3.AccessKeyID,
			SecretAccessKey: c.Store.S3.SecretAccessKey,
			UsePathStyle:    c.Store.S3.UsePathStyle,
		})
		if err != nil {
			return nil, noop, err
		}
		return design.NewS3Store(client, c.Store.S3.Bucket, c.Store.S3.Prefix, reg), noop, nil
	case "postgres":
		s, err := design.NewPGStore(ctx, c.Store.Postgres, reg)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	}
	return nil, noop, fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
}
