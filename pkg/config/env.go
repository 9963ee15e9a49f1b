package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every override variable.
const EnvPrefix = "RISKCAP_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func float(dst func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envVars = []envVar{
	{"TOPOLOGY", str(func(c *Config) *string { return &c.Network.Topology })},
	{"DEMAND", float(func(c *Config) *float64 { return &c.Network.Demand })},
	{"EPSILON", float(func(c *Config) *float64 { return &c.Model.Epsilon })},
	{"DOMAIN", str(func(c *Config) *string { return &c.Model.Domain })},
	{"ROUTING", str(func(c *Config) *string { return &c.Model.Routing })},
	{"TIME_LIMIT", duration(func(c *Config) *time.Duration { return &c.Solver.TimeLimit })},
	{"GAP_TOLERANCE", float(func(c *Config) *float64 { return &c.Solver.GapTolerance })},
	{"FAILURE_PROBABILITY", float(func(c *Config) *float64 { return &c.Scenarios.FailureProbability })},
	{"PROPOSAL", float(func(c *Config) *float64 { return &c.Scenarios.Proposal })},
	{"OPTIMIZATION_SAMPLES", integer(func(c *Config) *int { return &c.Scenarios.OptimizationSamples })},
	{"VALIDATION_SAMPLES", integer(func(c *Config) *int { return &c.Scenarios.ValidationSamples })},
	{"SEED", func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		c.Scenarios.Seed = n
		return nil
	}},
	{"WORKERS", integer(func(c *Config) *int { return &c.Scenarios.Workers })},
	{"CONFIDENCE", float(func(c *Config) *float64 { return &c.Estimate.Confidence })},
	{"FUSED", boolean(func(c *Config) *bool { return &c.Estimate.Fused })},
	{"STORE", str(func(c *Config) *string { return &c.Store.Backend })},
	{"STORE_DIR", str(func(c *Config) *string { return &c.Store.Dir })},
	{"S3_BUCKET", str(func(c *Config) *string { return &c.Store.S3.Bucket })},
	{"S3_ENDPOINT", str(func(c *Config) *string { return &c.Store.S3.Endpoint })},
	{"POSTGRES_URL", str(func(c *Config) *string { return &c.Store.Postgres })},
	{"DISPATCH_WORKERS", func(c *Config, v string) error {
		c.Dispatch.Workers = nil
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				c.Dispatch.Workers = append(c.Dispatch.Workers, addr)
			}
		}
		return nil
	}},
	{"DISPATCH_LISTEN", str(func(c *Config) *string { return &c.Dispatch.Listen })},
	{"METRICS_ADDR", str(func(c *Config) *string { return &c.Metrics.Addr })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Logging.Format })},
}

// ApplyEnv overlays RISKCAP_* variables, and LOG_LEVEL, on c.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(c, v); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, EnvPrefix, ev.name, v, err)
		}
	}
	return nil
}
