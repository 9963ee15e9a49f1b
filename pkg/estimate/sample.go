package estimate

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/importance"
	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/parallel"
	"github.com/dd0wney/cluso-riskcap/pkg/scenario"
	"github.com/dd0wney/cluso-riskcap/pkg/validation"
)

// SampleRequest describes a fused validation batch: scenarios are drawn
// inside each chunk and never materialized as a whole.
type SampleRequest struct {
	Design *design.Design
	// Links as in Input; nil selects the chosen links.
	Links []int
	Count int
	// Proposal is the failure probability scenarios are drawn at.
	Proposal float64
	// Target is the failure probability estimated under; zero means
	// Proposal and no reweighting.
	Target float64
	// Demands is the load each commodity carries when it fails.
	Demands []float64
	// NumLinks is the Bernoulli draws per scenario for the importance
	// weight; zero means len(Demands).
	NumLinks int
	// Chunks fixes the partition, and with Seed the drawn scenarios;
	// zero means one chunk per estimator worker.
	Chunks int
	Seed   uint64
}

// Task is one chunk of a fused batch. It is self-contained so that it can
// be shipped to another process.
type Task struct {
	Chunk    int            `json:"chunk"`
	Start    int            `json:"start"`
	Count    int            `json:"count"`
	Seed     uint64         `json:"seed"`
	Proposal float64        `json:"proposal"`
	Target   float64        `json:"target"`
	Demands  []float64      `json:"demands"`
	NumLinks int            `json:"numLinks"`
	Links    []int          `json:"links"`
	Design   *design.Design `json:"design"`
}

// ChunkRunner evaluates tasks and returns their sums in task order. A
// failing task fails the whole batch.
type ChunkRunner interface {
	RunChunks(ctx context.Context, tasks []Task) ([]Sums, error)
}

// RunTask draws the chunk's scenarios from scenario.NewStream(Seed, Chunk),
// the same stream scenario.Generator uses for that chunk, and accumulates
// the weighted indicator per link.
func RunTask(ctx context.Context, t Task) (Sums, error) {
	if t.Design == nil {
		return Sums{}, ErrNoDesign
	}
	if len(t.Demands) != len(t.Design.Commodities) {
		return Sums{}, fmt.Errorf("%w: %d demands for %d commodities", ErrInvalidInput, len(t.Demands), len(t.Design.Commodities))
	}
	for _, i := range t.Links {
		if i < 0 || i >= t.Design.NumLinks() {
			return Sums{}, fmt.Errorf("%w: link index %d", ErrInvalidInput, i)
		}
	}
	numLinks := validation.DefaultOr(t.NumLinks, len(t.Demands))

	// failures -> weight, computed once per distinct count
	weights := make(map[int]float64)
	weight := func(m int) (float64, error) {
		if t.Target == t.Proposal {
			return 1, nil
		}
		if w, ok := weights[m]; ok {
			return w, nil
		}
		w, err := importance.Weight(m, numLinks, t.Target, t.Proposal)
		if err != nil {
			return 0, err
		}
		weights[m] = w
		return w, nil
	}

	rng := scenario.NewStream(t.Seed, t.Chunk)
	row := make([]float64, len(t.Demands))
	sums := NewSums(len(t.Links))
	sums.N = t.Count
	for r := 0; r < t.Count; r++ {
		if r%DefaultBlockSize == 0 {
			if err := ctx.Err(); err != nil {
				return Sums{}, err
			}
		}
		failed := 0
		for j, demand := range t.Demands {
			row[j] = 0
			if rng.Float64() < t.Proposal {
				row[j] = demand
				failed++
			}
		}
		w, err := weight(failed)
		if err != nil {
			return Sums{}, fmt.Errorf("scenario %d: %w", t.Start+r, err)
		}
		for p, i := range t.Links {
			sums.add(p, indicator(p, t.Design.LinkLoad(i, row), t.Design.Capacities[i], w))
		}
	}
	return sums, nil
}

// LocalRunner runs tasks on an in-process worker pool.
type LocalRunner struct {
	Workers int
	Logger  logging.Logger
}

func (lr *LocalRunner) RunChunks(ctx context.Context, tasks []Task) ([]Sums, error) {
	out := make([]Sums, len(tasks))
	err := parallel.Run(ctx, lr.Workers, len(tasks), lr.Logger, func(ctx context.Context, i int) error {
		s, err := RunTask(ctx, tasks[i])
		if err != nil {
			return fmt.Errorf("chunk %d: %w", tasks[i].Chunk, err)
		}
		out[i] = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (req SampleRequest) validate() error {
	return validation.NewConfigValidator("sample").
		NonNegative("Count", req.Count).
		Probability("Proposal", req.Proposal).
		Probability("Target", req.Target).
		NonNegative("NumLinks", req.NumLinks).
		NonNegative("Chunks", req.Chunks).
		NonNegativeFloats("Demands", req.Demands).
		Custom("Demands", func() error {
			if len(req.Demands) != len(req.Design.Commodities) {
				return fmt.Errorf("has %d values for %d commodities", len(req.Demands), len(req.Design.Commodities))
			}
			return nil
		}).Validate()
}

// Tasks partitions req into chunk tasks. Seed zero is replaced by an
// AutoSeed, which is returned.
func (e *Estimator) Tasks(req SampleRequest) ([]Task, uint64, error) {
	links, err := resolveLinks(req.Design, req.Links)
	if err != nil {
		return nil, 0, err
	}
	if err := req.validate(); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.Count < 2 {
		return nil, 0, fmt.Errorf("%w: got %d", ErrDegenerateSampleSize, req.Count)
	}
	target := req.Target
	if target == 0 {
		target = req.Proposal
	}
	seed := req.Seed
	if seed == 0 {
		seed = scenario.AutoSeed()
	}
	chunks, err := parallel.Partition(req.Count, validation.DefaultOr(req.Chunks, scenario.DefaultChunks))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	tasks := make([]Task, 0, len(chunks))
	for _, c := range chunks {
		if c.Count == 0 {
			continue
		}
		tasks = append(tasks, Task{
			Chunk:    c.Index,
			Start:    c.Start,
			Count:    c.Count,
			Seed:     seed,
			Proposal: req.Proposal,
			Target:   target,
			Demands:  req.Demands,
			NumLinks: req.NumLinks,
			Links:    links,
			Design:   req.Design,
		})
	}
	return tasks, seed, nil
}

// Sample draws req.Count validation scenarios chunk by chunk through the
// estimator's ChunkRunner and returns the indicator estimate. For the same
// seed and chunk count it sees exactly the scenarios Generator.Generate
// would draw with that many chunks; zero Chunks means scenario.DefaultChunks.
func (e *Estimator) Sample(ctx context.Context, req SampleRequest) (*Result, error) {
	ctx, span := tracer.Start(ctx, "estimate.Sample", trace.WithAttributes(
		attribute.Int("count", req.Count),
		attribute.Float64("proposal", req.Proposal),
		attribute.Float64("target", req.Target),
	))
	defer span.End()

	start := time.Now()
	res, seed, err := e.sample(ctx, req)
	if err != nil {
		e.metrics.RecordEstimation(string(Indicator), 0, 0, 0, time.Since(start), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "sampling failed")
		return nil, err
	}
	elapsed := time.Since(start)
	e.metrics.RecordEstimation(string(Indicator), res.Samples, res.MaxProbability(), res.MaxHalfWidth(), elapsed, nil)
	e.metrics.RecordScenarios("validation", "fused", res.Samples, elapsed)
	e.logger.Debug("fused sample estimated",
		logging.Samples(res.Samples), logging.Seed(seed),
		logging.Probability(res.MaxProbability()), logging.Latency(elapsed))
	return res, nil
}

func (e *Estimator) sample(ctx context.Context, req SampleRequest) (*Result, uint64, error) {
	tasks, seed, err := e.Tasks(req)
	if err != nil {
		return nil, 0, err
	}
	sums, err := e.runner.RunChunks(ctx, tasks)
	if err != nil {
		return nil, seed, fmt.Errorf("sample: %w", err)
	}
	if len(sums) != len(tasks) {
		return nil, seed, fmt.Errorf("%w: runner returned %d sums for %d tasks", ErrInvalidInput, len(sums), len(tasks))
	}

	total := NewSums(len(tasks[0].Links))
	for i, s := range sums {
		if s.N != tasks[i].Count {
			return nil, seed, fmt.Errorf("%w: chunk %d reported %d scenarios, want %d",
				ErrInvalidInput, tasks[i].Chunk, s.N, tasks[i].Count)
		}
		if err := total.Merge(s); err != nil {
			return nil, seed, err
		}
	}
	res, err := e.finalize(total, req.Design, tasks[0].Links, Indicator)
	return res, seed, err
}

// Escalation configures Escalate.
type Escalation struct {
	// Schedule lists the sample size of each round.
	Schedule []int
	// Tolerance stops escalation once every link's half-width is at or
	// below it.
	Tolerance float64
}

// DefaultSchedule grows the validation batch by a factor of four per round.
func DefaultSchedule() []int {
	return []int{10_000, 40_000, 160_000, 640_000, 2_560_000}
}

// Round is one escalation step.
type Round struct {
	Round        int
	Samples      int
	Seed         uint64
	Result       *Result
	MaxHalfWidth float64
	Elapsed      time.Duration
}

// EscalationResult is the outcome of Escalate. Final is the last round's
// estimate.
type EscalationResult struct {
	Rounds    []Round
	Converged bool
	Final     *Result
}

// Escalate runs fresh validation batches of growing size until the
// largest half-width is within Tolerance or the schedule ends. Each round
// draws from its own seed derived from req.Seed. observe, when non-nil,
// sees every round as it completes.
func (e *Estimator) Escalate(ctx context.Context, req SampleRequest, esc Escalation, observe func(Round)) (*EscalationResult, error) {
	schedule := esc.Schedule
	if len(schedule) == 0 {
		schedule = DefaultSchedule()
	}
	if err := validation.NewConfigValidator("escalation").
		NonNegativeFloat("Tolerance", esc.Tolerance).
		Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	base := req.Seed
	if base == 0 {
		base = scenario.AutoSeed()
	}

	out := &EscalationResult{}
	for k, n := range schedule {
		round := req
		round.Count = n
		round.Seed = scenario.DeriveSeed(base, fmt.Sprintf("escalation-%d", k))

		start := time.Now()
		res, err := e.Sample(ctx, round)
		if err != nil {
			return out, fmt.Errorf("escalation round %d: %w", k, err)
		}
		r := Round{
			Round:        k,
			Samples:      n,
			Seed:         round.Seed,
			Result:       res,
			MaxHalfWidth: res.MaxHalfWidth(),
			Elapsed:      time.Since(start),
		}
		out.Rounds = append(out.Rounds, r)
		out.Final = res
		e.metrics.RecordEscalationRound()
		e.logger.Info("escalation round",
			logging.Int("round", k), logging.Samples(n),
			logging.Probability(res.MaxProbability()),
			logging.Float64("max_half_width", r.MaxHalfWidth))
		if observe != nil {
			observe(r)
		}
		if r.MaxHalfWidth <= esc.Tolerance {
			out.Converged = true
			break
		}
	}
	return out, nil
}
