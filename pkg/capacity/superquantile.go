package capacity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/importance"
	"github.com/dd0wney/cluso-riskcap/pkg/network"
	"github.com/dd0wney/cluso-riskcap/pkg/scenario"
	"github.com/dd0wney/cluso-riskcap/pkg/solver"
	"github.com/dd0wney/cluso-riskcap/pkg/validation"
)

// Quantile is the superquantile of a link's excess load over its capacity.
// Q <= 0 means the link meets the buffered failure probability bound on the
// scenarios it was evaluated on.
type Quantile struct {
	Link     network.Link
	Capacity float64
	Q        float64
	Z0       float64
}

// Superquantile evaluates a fixed design: for every chosen link it
// minimizes q subject to z0 + (1/(N·epsilon))·Σ w_k z_k <= q and
// load_k − C − z0 <= z_k, z_k >= 0.
func (m *Model) Superquantile(ctx context.Context, d *design.Design, s *scenario.Set, weights []float64) ([]Quantile, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := validation.NewConfigValidator("superquantile").
		OpenClosedUnit("Epsilon", m.cfg.Epsilon).
		Custom("Scenarios", func() error {
			if s == nil || s.Count == 0 {
				return errors.New("must contain at least one scenario")
			}
			if s.Width != len(d.Commodities) {
				return fmt.Errorf("carry %d commodities, design has %d", s.Width, len(d.Commodities))
			}
			return s.Validate()
		}).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := importance.Validate(weights, s.Count); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	scale := 1 / (float64(s.Count) * m.cfg.Epsilon)
	var out []Quantile
	for _, i := range d.ChosenLinks() {
		link := d.Links[i]
		loads, w := linkLoads(d, i, s, weights)

		p := solver.NewProblem(fmt.Sprintf("superquantile_%d_%d", link.From, link.To))
		q := p.AddVar("q", math.Inf(-1), math.Inf(1), solver.Continuous, 1)
		z0 := p.AddVar("z0", math.Inf(-1), math.Inf(1), solver.Continuous, 0)
		bound := []solver.Term{{Var: z0, Coef: 1}, {Var: q, Coef: -1}}
		for k, load := range loads {
			z := p.AddVar(fmt.Sprintf("z_%d", k), 0, math.Inf(1), solver.Continuous, 0)
			bound = append(bound, solver.Term{Var: z, Coef: w[k] * scale})
			p.AddConstraint(fmt.Sprintf("Tail_%d", k),
				[]solver.Term{{Var: z0, Coef: -1}, {Var: z, Coef: -1}}, solver.LessEqual, d.Capacities[i]-load)
		}
		p.AddConstraint("Bound", bound, solver.LessEqual, 0)

		res, err := m.oracle.Solve(ctx, p, m.cfg.Solver)
		if err != nil {
			return nil, fmt.Errorf("superquantile %s: %w", link, err)
		}
		if res.Status != solver.Optimal {
			return nil, &InfeasibleError{Status: res.Status, HasIncumbent: res.HasIncumbent(), Gap: res.Gap()}
		}
		out = append(out, Quantile{Link: link, Capacity: d.Capacities[i], Q: res.Value(q), Z0: res.Value(z0)})
	}
	return out, nil
}

// linkLoads returns the distinct loads on link i with their summed weights,
// in ascending load order.
func linkLoads(d *design.Design, i int, s *scenario.Set, weights []float64) ([]float64, []float64) {
	sum := make(map[float64]float64)
	for r := 0; r < s.Count; r++ {
		sum[d.LinkLoad(i, s.Row(r))] += importance.At(weights, r)
	}
	loads := make([]float64, 0, len(sum))
	for l := range sum {
		loads = append(loads, l)
	}
	slices.Sort(loads)
	w := make([]float64, len(loads))
	for k, l := range loads {
		w[k] = sum[l]
	}
	return loads, w
}
