package capacity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/importance"
	"github.com/dd0wney/cluso-riskcap/pkg/network"
	"github.com/dd0wney/cluso-riskcap/pkg/scenario"
	"github.com/dd0wney/cluso-riskcap/pkg/solver"
	"github.com/dd0wney/cluso-riskcap/pkg/validation"
)

// Input is one design run. Graph is the backup graph whose links receive
// capacity. Weights is nil or one importance weight per scenario.
// SampleCount is the N in 1/(N·epsilon); zero means Scenarios.Count.
type Input struct {
	Graph       *network.Graph
	Commodities []network.Commodity
	Scenarios   *scenario.Set
	Weights     []float64
	SampleCount int
}

func (in Input) sampleCount() int {
	if in.SampleCount > 0 {
		return in.SampleCount
	}
	return in.Scenarios.Count
}

func validate(cfg Config, in Input) error {
	cv := validation.NewConfigValidator("capacity model").
		OpenClosedUnit("Epsilon", cfg.Epsilon).
		NonNegative("PathCutoff", cfg.PathCutoff).
		NonNegative("SampleCount", in.SampleCount).
		NonNegativeFloat("Tolerance", cfg.Tolerance).
		Custom("Graph", func() error {
			if in.Graph == nil {
				return errors.New("is required")
			}
			return nil
		}).
		Custom("Scenarios", func() error {
			if in.Scenarios == nil {
				return errors.New("is required")
			}
			if in.Scenarios.Count == 0 {
				return errors.New("must contain at least one scenario")
			}
			return in.Scenarios.Validate()
		})
	if err := cv.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if len(in.Commodities) == 0 {
		return fmt.Errorf("%w: no commodities", ErrInvalidInput)
	}
	if err := network.ValidateCommodities(in.Graph, in.Commodities); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if in.Scenarios.Width != len(in.Commodities) {
		return fmt.Errorf("%w: scenarios carry %d commodities, model has %d",
			ErrInvalidInput, in.Scenarios.Width, len(in.Commodities))
	}
	if err := importance.Validate(in.Weights, in.Scenarios.Count); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if cfg.ExistingCapacity != nil {
		if len(cfg.ExistingCapacity) != in.Graph.NumLinks() {
			return fmt.Errorf("%w: %d existing capacities for %d links",
				ErrInvalidInput, len(cfg.ExistingCapacity), in.Graph.NumLinks())
		}
		if err := validation.NewConfigValidator("capacity model").
			NonNegativeFloats("ExistingCapacity", cfg.ExistingCapacity).Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	for _, c := range in.Commodities {
		if !network.Reachable(in.Graph, c.Source, c.Destination) {
			return fmt.Errorf("%w: %w: %s", ErrInvalidInput, network.ErrNoBackupPath, c)
		}
	}
	return nil
}

// group is a set of identical scenario rows.
type group struct {
	row    []float64
	weight float64
}

// groupScenarios collapses identical rows when aggregate is set; otherwise
// every scenario is its own group. Groups keep first-appearance order.
func groupScenarios(s *scenario.Set, weights []float64, aggregate bool) []group {
	if !aggregate {
		groups := make([]group, s.Count)
		for r := range groups {
			groups[r] = group{row: s.Row(r), weight: importance.At(weights, r)}
		}
		return groups
	}

	index := make(map[string]int)
	key := make([]byte, 8*s.Width)
	var groups []group
	for r := 0; r < s.Count; r++ {
		row := s.Row(r)
		for j, v := range row {
			binary.LittleEndian.PutUint64(key[8*j:], math.Float64bits(v))
		}
		if g, ok := index[string(key)]; ok {
			groups[g].weight += importance.At(weights, r)
			continue
		}
		index[string(key)] = len(groups)
		groups = append(groups, group{row: row, weight: importance.At(weights, r)})
	}
	return groups
}

// Instance is a built model together with the handles needed to read a
// design back out of an oracle result.
type Instance struct {
	Problem *solver.Problem
	// Groups is the number of distinct tail variables per link.
	Groups int

	links       []network.Link
	commodities []network.Commodity
	existing    []float64
	capacity    []solver.Var   // C_ij, or the increment over existing capacity
	z0          []solver.Var   // per link
	flow        [][]solver.Var // [link][commodity], RoutingFlow
	paths       [][]network.Path
	pathVars    [][]solver.Var // [commodity][path], RoutingPaths
	tolerance   float64
}

func linkName(prefix string, l network.Link) string {
	return fmt.Sprintf("%s_%d_%d", prefix, l.From, l.To)
}

// Build validates in and constructs a fresh problem for it.
func (m *Model) Build(in Input) (*Instance, error) {
	if err := validate(m.cfg, in); err != nil {
		return nil, err
	}
	cfg := m.cfg
	g := in.Graph
	links := g.Links()
	nl, nc := len(links), len(in.Commodities)

	inst := &Instance{
		Problem:     solver.NewProblem(fmt.Sprintf("backup_eps_%g", cfg.Epsilon)),
		links:       links,
		commodities: in.Commodities,
		existing:    cfg.ExistingCapacity,
		capacity:    make([]solver.Var, nl),
		z0:          make([]solver.Var, nl),
		tolerance:   validation.DefaultOr(cfg.Tolerance, design.DefaultTolerance),
	}
	p := inst.Problem

	kind := solver.Continuous
	if cfg.Domain == Integer {
		kind = solver.Integer
	}
	capName := "C"
	if cfg.ExistingCapacity != nil {
		capName = "Delta"
	}
	for i, l := range links {
		inst.capacity[i] = p.AddVar(linkName(capName, l), 0, math.Inf(1), kind, 1)
	}

	// routeTerms[i][c] expresses b_{ij,sd} as a sum of binaries.
	routeTerms := make([][][]solver.Term, nl)
	for i := range routeTerms {
		routeTerms[i] = make([][]solver.Term, nc)
	}

	switch cfg.Routing {
	case RoutingPaths:
		inst.paths = make([][]network.Path, nc)
		inst.pathVars = make([][]solver.Var, nc)
		for c, com := range in.Commodities {
			paths, err := network.SimplePaths(g, com, cfg.PathCutoff)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
			}
			inst.paths[c] = paths
			choose := make([]solver.Term, len(paths))
			for k, path := range paths {
				v := p.AddVar(fmt.Sprintf("x_%d_%d_%d", com.Source, com.Destination, k), 0, 1, solver.Binary, 0)
				inst.pathVars[c] = append(inst.pathVars[c], v)
				choose[k] = solver.Term{Var: v, Coef: 1}
				for _, i := range path {
					routeTerms[i][c] = append(routeTerms[i][c], solver.Term{Var: v, Coef: 1})
				}
			}
			p.AddConstraint(fmt.Sprintf("OnePath_%d_%d", com.Source, com.Destination), choose, solver.Equal, 1)
		}

	default:
		inst.flow = make([][]solver.Var, nl)
		for i, l := range links {
			inst.flow[i] = make([]solver.Var, nc)
			for c, com := range in.Commodities {
				v := p.AddVar(fmt.Sprintf("b_%d_%d_%d_%d", l.From, l.To, com.Source, com.Destination), 0, 1, solver.Binary, 0)
				inst.flow[i][c] = v
				routeTerms[i][c] = []solver.Term{{Var: v, Coef: 1}}
			}
		}
		for c, com := range in.Commodities {
			for _, node := range g.Nodes() {
				var terms []solver.Term
				for _, i := range g.OutLinks(node) {
					terms = append(terms, solver.Term{Var: inst.flow[i][c], Coef: 1})
				}
				for _, i := range g.InLinks(node) {
					terms = append(terms, solver.Term{Var: inst.flow[i][c], Coef: -1})
				}
				rhs := 0.0
				switch node {
				case com.Source:
					rhs = 1
				case com.Destination:
					rhs = -1
				}
				p.AddConstraint(fmt.Sprintf("Flow_%d_%d_%d", node, com.Source, com.Destination), terms, solver.Equal, rhs)
			}
		}
	}

	groups := groupScenarios(in.Scenarios, in.Weights, cfg.AggregateScenarios)
	inst.Groups = len(groups)
	scale := 1 / (float64(in.sampleCount()) * cfg.Epsilon)

	for i, l := range links {
		inst.z0[i] = p.AddVar(linkName("z0", l), math.Inf(-1), math.Inf(1), solver.Continuous, 0)

		risk := []solver.Term{{Var: inst.z0[i], Coef: 1}}
		existing := 0.0
		if cfg.ExistingCapacity != nil {
			existing = cfg.ExistingCapacity[i]
		}
		for k, grp := range groups {
			z := p.AddVar(fmt.Sprintf("z_%d_%d_%d", k, l.From, l.To), 0, math.Inf(1), solver.Continuous, 0)
			risk = append(risk, solver.Term{Var: z, Coef: grp.weight * scale})

			// Σ_sd b·load − C − z0 − z ≤ 0, with existing capacity moved to the rhs
			tail := []solver.Term{
				{Var: inst.capacity[i], Coef: -1},
				{Var: inst.z0[i], Coef: -1},
				{Var: z, Coef: -1},
			}
			for c, load := range grp.row {
				if load == 0 {
					continue
				}
				for _, t := range routeTerms[i][c] {
					tail = append(tail, solver.Term{Var: t.Var, Coef: load * t.Coef})
				}
			}
			p.AddConstraint(fmt.Sprintf("Tail_%d_%d_%d", k, l.From, l.To), tail, solver.LessEqual, existing)
		}
		p.AddConstraint(linkName("Risk", l), risk, solver.LessEqual, 0)
	}
	return inst, nil
}

// Extract reads the design out of an oracle result with an incumbent.
func (inst *Instance) Extract(res *solver.Result) *design.Design {
	d := design.New(inst.links, inst.commodities)
	d.Tolerance = inst.tolerance
	d.Objective = res.Objective
	d.Status = res.Status.String()

	for i, v := range inst.capacity {
		c := math.Max(res.Value(v), 0)
		if inst.existing != nil {
			c += inst.existing[i]
		}
		d.Capacities[i] = c
	}

	if inst.flow != nil {
		for i := range inst.flow {
			for c, v := range inst.flow[i] {
				if res.Value(v) > 0.5 {
					d.Routes[i][c] = 1
				}
			}
		}
		return d
	}
	for c, vars := range inst.pathVars {
		for k, v := range vars {
			if res.Value(v) <= 0.5 {
				continue
			}
			for _, i := range inst.paths[c][k] {
				d.Routes[i][c] = 1
			}
		}
	}
	return d
}
