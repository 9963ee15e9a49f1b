// Package estimate validates a solved design against fresh scenarios: the
// empirical per-link failure probability, its Bessel-corrected variance and
// a normal confidence interval, reduced over fixed-size scenario blocks so
// results do not depend on the worker count.
package estimate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/importance"
	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
	"github.com/dd0wney/cluso-riskcap/pkg/network"
	"github.com/dd0wney/cluso-riskcap/pkg/parallel"
	"github.com/dd0wney/cluso-riskcap/pkg/scenario"
	"github.com/dd0wney/cluso-riskcap/pkg/validation"
)

var tracer = otel.Tracer("github.com/dd0wney/cluso-riskcap/pkg/estimate")

var (
	// ErrInvalidInput is returned for malformed scenarios, weights or links.
	ErrInvalidInput = errors.New("invalid estimation input")

	// ErrDegenerateSampleSize is returned for fewer than two scenarios, where
	// the sample variance is undefined.
	ErrDegenerateSampleSize = errors.New("estimation needs at least two scenarios")

	// ErrNoDesign is returned when there is no design to validate.
	ErrNoDesign = errors.New("no design to estimate")
)

const (
	DefaultConfidence = 0.95
	DefaultBlockSize  = 4096
)

// Statistic names the per-scenario quantity being averaged.
type Statistic string

const (
	// Indicator is w_k·1[load_k > C].
	Indicator Statistic = "indicator"
	// UpperBound is z0 + (1/epsilon)·w_k·max(load_k − C − z0, 0), the
	// design-time bound the CVaR constraint enforces.
	UpperBound Statistic = "upper_bound"
)

// Input is one estimation pass. Links are indices into Design.Links; nil
// selects the design's chosen backup links.
type Input struct {
	Scenarios *scenario.Set
	Weights   []float64
	Design    *design.Design
	Links     []int
}

// LinkEstimate is the estimate for one backup link.
type LinkEstimate struct {
	Link        network.Link `json:"link"`
	Capacity    float64      `json:"capacity"`
	Probability float64      `json:"probability"`
	Variance    float64      `json:"variance"`
	StdErr      float64      `json:"stdErr"`
	HalfWidth   float64      `json:"halfWidth"`
	Lower       float64      `json:"lower"`
	Upper       float64      `json:"upper"`
}

// Result holds per-link estimates in the order of the requested links.
type Result struct {
	Statistic  Statistic      `json:"statistic"`
	Samples    int            `json:"samples"`
	Confidence float64        `json:"confidence"`
	Z          float64        `json:"z"`
	Links      []LinkEstimate `json:"links"`
}

// MaxProbability is the largest per-link point estimate, 0 for no links.
func (r *Result) MaxProbability() float64 {
	m := 0.0
	for _, l := range r.Links {
		m = math.Max(m, l.Probability)
	}
	return m
}

// MaxHalfWidth is the widest per-link confidence half-width.
func (r *Result) MaxHalfWidth() float64 {
	m := 0.0
	for _, l := range r.Links {
		m = math.Max(m, l.HalfWidth)
	}
	return m
}

// Link looks up the estimate of l.
func (r *Result) Link(l network.Link) (LinkEstimate, bool) {
	for _, e := range r.Links {
		if e.Link == l {
			return e, true
		}
	}
	return LinkEstimate{}, false
}

// Sums are the sufficient statistics of a batch: per link the sum of the
// statistic and of its square over N scenarios.
type Sums struct {
	N     int       `json:"n"`
	Sum   []float64 `json:"sum"`
	SumSq []float64 `json:"sumSq"`
}

// NewSums returns zero sums over links links.
func NewSums(links int) Sums {
	return Sums{Sum: make([]float64, links), SumSq: make([]float64, links)}
}

// Merge adds o into s. Callers merge partial sums in a fixed order so the
// floating-point result is reproducible.
func (s *Sums) Merge(o Sums) error {
	if len(o.Sum) != len(s.Sum) || len(o.SumSq) != len(s.SumSq) {
		return fmt.Errorf("%w: merging sums over %d links into %d", ErrInvalidInput, len(o.Sum), len(s.Sum))
	}
	s.N += o.N
	for p := range s.Sum {
		s.Sum[p] += o.Sum[p]
		s.SumSq[p] += o.SumSq[p]
	}
	return nil
}

func (s *Sums) add(p int, x float64) {
	s.Sum[p] += x
	s.SumSq[p] += x * x
}

// Estimator computes estimates with a pool of workers.
type Estimator struct {
	workers    int
	blockSize  int
	confidence float64
	runner     ChunkRunner
	logger     logging.Logger
	metrics    *metrics.Registry
}

// Option configures an Estimator.
type Option func(*Estimator)

func WithWorkers(n int) Option {
	return func(e *Estimator) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithBlockSize sets the reduction block size. Results depend on it only
// through floating-point summation order.
func WithBlockSize(n int) Option {
	return func(e *Estimator) {
		if n > 0 {
			e.blockSize = n
		}
	}
}

// WithConfidence sets the two-sided confidence level, e.g. 0.95.
func WithConfidence(c float64) Option {
	return func(e *Estimator) { e.confidence = c }
}

// WithRunner sends fused sampling chunks to r instead of local workers.
func WithRunner(r ChunkRunner) Option {
	return func(e *Estimator) { e.runner = r }
}

func WithLogger(l logging.Logger) Option {
	return func(e *Estimator) { e.logger = l }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(e *Estimator) { e.metrics = r }
}

// NewEstimator returns an estimator with runtime.NumCPU() workers at 95%
// confidence.
func NewEstimator(opts ...Option) *Estimator {
	e := &Estimator{
		workers:    runtime.NumCPU(),
		blockSize:  DefaultBlockSize,
		confidence: DefaultConfidence,
		logger:     logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logging.Component("estimate"))
	if e.runner == nil {
		e.runner = &LocalRunner{Workers: e.workers, Logger: e.logger}
	}
	return e
}

// Quantile returns z = Φ⁻¹(1 − α/2) for a two-sided confidence level
// 1 − α.
func Quantile(confidence float64) (float64, error) {
	if !(confidence > 0 && confidence < 1) {
		return 0, fmt.Errorf("%w: confidence %v outside (0, 1)", ErrInvalidInput, confidence)
	}
	return distuv.UnitNormal.Quantile(1 - (1-confidence)/2), nil
}

// resolveLinks checks the design and returns the link indices to estimate.
func resolveLinks(d *design.Design, links []int) ([]int, error) {
	if d == nil {
		return nil, ErrNoDesign
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if links == nil {
		return d.ChosenLinks(), nil
	}
	for _, i := range links {
		if i < 0 || i >= d.NumLinks() {
			return nil, fmt.Errorf("%w: link index %d outside [0, %d)", ErrInvalidInput, i, d.NumLinks())
		}
	}
	return links, nil
}

func (e *Estimator) validate(in Input) ([]int, error) {
	links, err := resolveLinks(in.Design, in.Links)
	if err != nil {
		return nil, err
	}
	if err := validation.NewConfigValidator("estimator").
		RangeInt("Workers", e.workers, 1, parallel.MaxWorkers).
		Positive("BlockSize", e.blockSize).
		OpenUnit("Confidence", e.confidence).
		Custom("Scenarios", func() error {
			if in.Scenarios == nil {
				return errors.New("is required")
			}
			if in.Scenarios.Width != len(in.Design.Commodities) {
				return fmt.Errorf("carry %d commodities, design has %d", in.Scenarios.Width, len(in.Design.Commodities))
			}
			return in.Scenarios.Validate()
		}).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Scenarios.Count < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrDegenerateSampleSize, in.Scenarios.Count)
	}
	if err := importance.Validate(in.Weights, in.Scenarios.Count); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return links, nil
}

// statFunc maps (position in the link list, load, capacity, weight) to the
// per-scenario statistic.
type statFunc func(p int, load, capacity, weight float64) float64

func indicator(_ int, load, capacity, weight float64) float64 {
	if load > capacity {
		return weight
	}
	return 0
}

// Estimate computes the weighted indicator estimate for every link in
// in.Links.
func (e *Estimator) Estimate(ctx context.Context, in Input) (*Result, error) {
	return e.run(ctx, in, Indicator, indicator)
}

// Bound carries the design-time quantities of the upper-bound statistic.
// Z0 is aligned with the estimated links.
type Bound struct {
	Epsilon float64
	Z0      []float64
}

// EstimateUpperBound averages the upper-bound statistic of the excess load
// superquantile. The model keeps its average at or below zero on the
// scenarios it was solved on; a positive estimate on fresh scenarios
// flags an optimistic design.
func (e *Estimator) EstimateUpperBound(ctx context.Context, in Input, b Bound) (*Result, error) {
	links, err := resolveLinks(in.Design, in.Links)
	if err != nil {
		return nil, err
	}
	if err := validation.NewConfigValidator("bound").
		OpenClosedUnit("Epsilon", b.Epsilon).
		Custom("Z0", func() error {
			if len(b.Z0) != len(links) {
				return fmt.Errorf("has %d values for %d links", len(b.Z0), len(links))
			}
			return nil
		}).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	in.Links = links
	return e.run(ctx, in, UpperBound, func(p int, load, capacity, weight float64) float64 {
		return b.Z0[p] + weight*math.Max(load-capacity-b.Z0[p], 0)/b.Epsilon
	})
}

func (e *Estimator) run(ctx context.Context, in Input, stat Statistic, fn statFunc) (*Result, error) {
	ctx, span := tracer.Start(ctx, "estimate.Estimate", trace.WithAttributes(
		attribute.String("statistic", string(stat)),
		attribute.Int("workers", e.workers),
	))
	defer span.End()

	start := time.Now()
	res, err := e.estimate(ctx, in, stat, fn)
	if err != nil {
		e.metrics.RecordEstimation(string(stat), 0, 0, 0, time.Since(start), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "estimation failed")
		return nil, err
	}

	elapsed := time.Since(start)
	e.metrics.RecordEstimation(string(stat), res.Samples, res.MaxProbability(), res.MaxHalfWidth(), elapsed, nil)
	span.SetAttributes(
		attribute.Int("samples", res.Samples),
		attribute.Int("links", len(res.Links)),
		attribute.Float64("max_probability", res.MaxProbability()),
	)
	e.logger.Debug("estimate computed",
		logging.String("statistic", string(stat)), logging.Samples(res.Samples),
		logging.Int("links", len(res.Links)), logging.Probability(res.MaxProbability()),
		logging.Float64("max_half_width", res.MaxHalfWidth()), logging.Latency(elapsed))
	return res, nil
}

func (e *Estimator) estimate(ctx context.Context, in Input, stat Statistic, fn statFunc) (*Result, error) {
	links, err := e.validate(in)
	if err != nil {
		return nil, err
	}
	blocks, err := parallel.Blocks(in.Scenarios.Count, e.blockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	d, s := in.Design, in.Scenarios
	partial := make([]Sums, len(blocks))
	err = parallel.Run(ctx, e.workers, len(blocks), e.logger, func(ctx context.Context, b int) error {
		blk := blocks[b]
		sums := NewSums(len(links))
		sums.N = blk.Count
		for r := blk.Start; r < blk.End(); r++ {
			row := s.Row(r)
			w := importance.At(in.Weights, r)
			for p, i := range links {
				sums.add(p, fn(p, d.LinkLoad(i, row), d.Capacities[i], w))
			}
		}
		partial[b] = sums
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("estimate: %w", err)
	}

	total := NewSums(len(links))
	for _, p := range partial {
		if err := total.Merge(p); err != nil {
			return nil, err
		}
	}
	return e.finalize(total, d, links, stat)
}

// finalize turns sums into per-link estimates.
func (e *Estimator) finalize(s Sums, d *design.Design, links []int, stat Statistic) (*Result, error) {
	if s.N < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrDegenerateSampleSize, s.N)
	}
	z, err := Quantile(e.confidence)
	if err != nil {
		return nil, err
	}
	n := float64(s.N)
	res := &Result{
		Statistic:  stat,
		Samples:    s.N,
		Confidence: e.confidence,
		Z:          z,
		Links:      make([]LinkEstimate, len(links)),
	}
	for p, i := range links {
		mean := s.Sum[p] / n
		variance := math.Max((s.SumSq[p]-s.Sum[p]*s.Sum[p]/n)/(n-1), 0)
		se := math.Sqrt(variance / n)
		hw := z * se
		le := LinkEstimate{
			Link:        d.Links[i],
			Capacity:    d.Capacities[i],
			Probability: mean,
			Variance:    variance,
			StdErr:      se,
			HalfWidth:   hw,
			Lower:       mean - hw,
			Upper:       mean + hw,
		}
		if stat == Indicator {
			le.Lower = math.Max(le.Lower, 0)
			le.Upper = math.Min(le.Upper, 1)
		}
		if math.IsNaN(mean) || math.IsInf(mean, 0) || math.IsNaN(variance) || math.IsInf(variance, 0) {
			return nil, fmt.Errorf("%w: non-finite statistic on link %s", ErrInvalidInput, d.Links[i])
		}
		res.Links[p] = le
	}
	return res, nil
}

// BinomialHalfWidth is the normal-approximation half-width
// z·sqrt(p(1−p)/n) of a binomial proportion, for comparison with the
// empirical interval.
func BinomialHalfWidth(p float64, n int, confidence float64) (float64, error) {
	if !(p >= 0 && p <= 1) {
		return 0, fmt.Errorf("%w: proportion %v outside [0, 1]", ErrInvalidInput, p)
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: got %d", ErrDegenerateSampleSize, n)
	}
	z, err := Quantile(confidence)
	if err != nil {
		return 0, err
	}
	return z * math.Sqrt(p*(1-p)/float64(n)), nil
}
