package scenario

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
	"github.com/dd0wney/cluso-riskcap/pkg/parallel"
	"github.com/dd0wney/cluso-riskcap/pkg/validation"
)

var tracer = otel.Tracer("github.com/dd0wney/cluso-riskcap/pkg/scenario")

// Request describes a Bernoulli generation batch. len(Weights) is the
// number of commodities; a failed commodity carries its weight as load.
type Request struct {
	Start              int
	Count              int
	FailureProbability float64
	Weights            []float64
	// Seed selects the stream family; zero draws a fresh AutoSeed.
	Seed uint64
}

// DefaultChunks is the stream partition a Generator uses unless told
// otherwise. It does not depend on the machine, so a seed names the same
// scenarios everywhere.
const DefaultChunks = 16

// Generator produces scenario sets with partitioned parallel generation.
type Generator struct {
	workers int
	chunks  int
	purpose string
	logger  logging.Logger
	metrics *metrics.Registry
}

// Option configures a Generator.
type Option func(*Generator)

// WithWorkers sets how many goroutines fill chunks. It never changes the
// scenarios drawn.
func WithWorkers(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.workers = n
		}
	}
}

// WithChunks sets the stream partition: chunk w draws from NewStream(seed, w).
// Two generators agree on a seed only when they agree on the chunk count.
func WithChunks(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.chunks = n
		}
	}
}

// WithPurpose labels metrics ("optimization" or "validation").
func WithPurpose(purpose string) Option {
	return func(g *Generator) { g.purpose = purpose }
}

func WithLogger(l logging.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(g *Generator) { g.metrics = r }
}

// NewGenerator returns a generator with DefaultChunks streams filled by
// runtime.NumCPU() goroutines.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		workers: runtime.NumCPU(),
		chunks:  DefaultChunks,
		purpose: "optimization",
		logger:  logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(logging.Component("scenario"))
	return g
}

// Workers reports the goroutine count.
func (g *Generator) Workers() int { return g.workers }

// Chunks reports the stream partition size.
func (g *Generator) Chunks() int { return g.chunks }

func validateWeights(weights []float64) error {
	if len(weights) == 0 {
		return fmt.Errorf("%w: no commodities", ErrInvalidInput)
	}
	if err := validation.NewConfigValidator("Request").
		NonNegativeFloats("Weights", weights).
		Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (r Request) validate() error {
	if err := validation.NewConfigValidator("Request").
		NonNegative("Count", r.Count).
		NonNegative("Start", r.Start).
		Probability("FailureProbability", r.FailureProbability).
		Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return validateWeights(r.Weights)
}

// Generate draws req.Count scenarios. Chunk w of the partition draws from
// NewStream(seed, w) and writes rows at its own offset; the result is the
// chunks in order. A failing chunk fails the batch.
func (g *Generator) Generate(ctx context.Context, req Request) (*Set, error) {
	ctx, span := tracer.Start(ctx, "scenario.Generate", trace.WithAttributes(
		attribute.Int("count", req.Count),
		attribute.Float64("failure_probability", req.FailureProbability),
		attribute.Int("commodities", len(req.Weights)),
		attribute.Int("workers", g.workers),
		attribute.Int("chunks", g.chunks),
	))
	defer span.End()

	if err := req.validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}
	width := len(req.Weights)
	if req.Count == 0 {
		s := Empty(width)
		s.Start = req.Start
		return s, nil
	}

	seed := req.Seed
	if seed == 0 {
		seed = AutoSeed()
	}
	start := time.Now()

	set := &Set{
		Start:    req.Start,
		Count:    req.Count,
		Width:    width,
		Loads:    make([]float64, req.Count*width),
		Failures: make([]int, req.Count),
	}
	err := g.forEachChunk(ctx, req.Count, seed, func(c parallel.Chunk) {
		rng := NewStream(seed, c.Index)
		for r := c.Start; r < c.End(); r++ {
			row := set.Loads[r*width : (r+1)*width]
			for j, w := range req.Weights {
				if rng.Float64() < req.FailureProbability {
					row[j] = w
					set.Failures[r]++
				}
			}
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return nil, err
	}

	elapsed := time.Since(start)
	g.metrics.RecordScenarios(g.purpose, "direct", req.Count, elapsed)
	g.logger.Debug("scenarios generated",
		logging.Samples(req.Count), logging.Probability(req.FailureProbability),
		logging.Seed(seed), logging.Latency(elapsed))
	return set, nil
}

// GenerateUniform draws a count x width Uniform(0,1) substrate using the
// same chunking and streams as Generate, so thresholding it at p gives the
// set Generate would return for the same seed, start and chunk count. Row r
// of the substrate is the scenario with global index start+r.
func (g *Generator) GenerateUniform(ctx context.Context, start, count, width int, seed uint64) (*Uniform, error) {
	ctx, span := tracer.Start(ctx, "scenario.GenerateUniform", trace.WithAttributes(
		attribute.Int("start", start),
		attribute.Int("count", count),
		attribute.Int("width", width),
	))
	defer span.End()

	if start < 0 || count < 0 || width <= 0 {
		err := fmt.Errorf("%w: start %d count %d width %d", ErrInvalidInput, start, count, width)
		span.RecordError(err)
		return nil, err
	}
	if seed == 0 {
		seed = AutoSeed()
	}
	began := time.Now()

	u := &Uniform{Start: start, Count: count, Width: width, Values: make([]float64, count*width)}
	err := g.forEachChunk(ctx, count, seed, func(c parallel.Chunk) {
		rng := NewStream(seed, c.Index)
		for i := c.Start * width; i < c.End()*width; i++ {
			u.Values[i] = rng.Float64()
		}
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	g.metrics.RecordScenarios(g.purpose, "substrate", count, time.Since(began))
	return u, nil
}

// forEachChunk partitions count rows into g.chunks chunks and runs fill
// on them with g.workers goroutines.
func (g *Generator) forEachChunk(ctx context.Context, count int, seed uint64, fill func(parallel.Chunk)) error {
	chunks, err := parallel.Partition(count, g.chunks)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	err = parallel.Run(ctx, g.workers, len(chunks), g.logger, func(ctx context.Context, i int) error {
		c := chunks[i]
		if c.Count == 0 {
			return nil
		}
		fill(c)
		g.metrics.RecordChunk("success")
		g.logger.Debug("chunk generated",
			logging.Worker(c.Index), logging.Int("start", c.Start), logging.Count(c.Count),
			logging.Seed(ChunkSeed(seed, c.Index)))
		return nil
	})
	if err != nil {
		g.metrics.RecordChunk("error")
		return fmt.Errorf("scenario generation: %w", err)
	}
	return nil
}

// Probabilities returns the empirical per-commodity failure frequency of s.
func Probabilities(s *Set) []float64 {
	out := make([]float64, s.Width)
	if s.Count == 0 {
		return out
	}
	for r := 0; r < s.Count; r++ {
		for j, v := range s.Row(r) {
			if v > 0 {
				out[j]++
			}
		}
	}
	for j := range out {
		out[j] /= float64(s.Count)
	}
	return out
}

// MeanLoad returns the average of column j over all rows, or NaN when empty.
func MeanLoad(s *Set, j int) float64 {
	if s.Count == 0 {
		return math.NaN()
	}
	sum := 0.0
	for r := 0; r < s.Count; r++ {
		sum += s.Loads[r*s.Width+j]
	}
	return sum / float64(s.Count)
}
