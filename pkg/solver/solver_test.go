package solver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tol = 1e-6

func solve(t *testing.T, p *Problem) *Result {
	t.Helper()
	res, err := NewBranchAndBound().Solve(context.Background(), p, DefaultOptions())
	require.NoError(t, err)
	return res
}

func TestSolveSmallLP(t *testing.T) {
	// max x + y  s.t.  x + 2y <= 4, 3x + y <= 6
	p := NewProblem("small")
	x := p.AddVar("x", 0, math.Inf(1), Continuous, -1)
	y := p.AddVar("y", 0, math.Inf(1), Continuous, -1)
	p.AddConstraint("a", []Term{{x, 1}, {y, 2}}, LessEqual, 4)
	p.AddConstraint("b", []Term{{x, 3}, {y, 1}}, LessEqual, 6)

	res := solve(t, p)
	require.Equal(t, Optimal, res.Status)
	assert.InDelta(t, -2.8, res.Objective, tol)
	assert.InDelta(t, 1.6, res.Value(x), tol)
	assert.InDelta(t, 1.2, res.Value(y), tol)
	assert.InDelta(t, res.Objective, res.BestBound, tol)
	assert.Equal(t, 1, res.Nodes)
}

func TestSolveInfeasible(t *testing.T) {
	p := NewProblem("infeasible")
	x := p.AddVar("x", 0, math.Inf(1), Continuous, 1)
	p.AddConstraint("lo", []Term{{x, 1}}, GreaterEqual, 2)
	p.AddConstraint("hi", []Term{{x, 1}}, LessEqual, 1)

	res := solve(t, p)
	assert.Equal(t, Infeasible, res.Status)
	assert.False(t, res.HasIncumbent())
}

func TestSolveContradictoryBounds(t *testing.T) {
	p := NewProblem("bounds")
	p.AddVar("x", 0.2, 0.8, Integer, 1)

	res := solve(t, p)
	assert.Equal(t, Infeasible, res.Status)
}

func TestSolveUnbounded(t *testing.T) {
	p := NewProblem("unbounded")
	x := p.AddVar("x", 0, math.Inf(1), Continuous, -1)
	y := p.AddVar("y", 0, math.Inf(1), Continuous, 0)
	p.AddConstraint("c", []Term{{x, 1}, {y, -1}}, LessEqual, 1)

	res := solve(t, p)
	assert.Equal(t, Unbounded, res.Status)
}

func TestSolveKnapsack(t *testing.T) {
	values := []float64{10, 13, 7, 8}
	weights := []float64{5, 6, 3, 4}

	p := NewProblem("knapsack")
	var terms []Term
	vars := make([]Var, len(values))
	for i := range values {
		vars[i] = p.AddVar("", 0, 1, Binary, -values[i])
		terms = append(terms, Term{vars[i], weights[i]})
	}
	p.AddConstraint("capacity", terms, LessEqual, 10)

	res := solve(t, p)
	require.Equal(t, Optimal, res.Status)
	assert.InDelta(t, -21, res.Objective, tol)
	for i, want := range []float64{0, 1, 0, 1} {
		assert.Equal(t, want, res.Value(vars[i]), "item %d", i)
	}
	_, violation := p.Evaluate(res.Values)
	assert.LessOrEqual(t, violation, tol)
}

func TestSolveIntegerRounding(t *testing.T) {
	p := NewProblem("round")
	x := p.AddVar("x", 0, math.Inf(1), Integer, -1)
	p.AddConstraint("c", []Term{{x, 2}}, LessEqual, 7)

	res := solve(t, p)
	require.Equal(t, Optimal, res.Status)
	assert.Equal(t, 3.0, res.Value(x))
	assert.Greater(t, res.Nodes, 1)
}

func TestSolveRedundantEqualities(t *testing.T) {
	p := NewProblem("rank-deficient")
	x := p.AddVar("x", 0, math.Inf(1), Continuous, 1)
	y := p.AddVar("y", 0, math.Inf(1), Continuous, 2)
	p.AddConstraint("e1", []Term{{x, 1}, {y, 1}}, Equal, 2)
	p.AddConstraint("e2", []Term{{x, 2}, {y, 2}}, Equal, 4)
	p.AddConstraint("e3", []Term{{x, -1}, {y, -1}}, Equal, -2)

	res := solve(t, p)
	require.Equal(t, Optimal, res.Status)
	assert.InDelta(t, 2, res.Objective, tol)
	assert.InDelta(t, 2, res.Value(x), tol)
}

func TestSolveNegativeRHSEquality(t *testing.T) {
	p := NewProblem("negative")
	x := p.AddVar("x", 0, math.Inf(1), Continuous, 1)
	y := p.AddVar("y", 0, math.Inf(1), Continuous, 1)
	p.AddConstraint("e", []Term{{x, 1}, {y, -1}}, Equal, -1)

	res := solve(t, p)
	require.Equal(t, Optimal, res.Status)
	assert.InDelta(t, 1, res.Objective, tol)
	assert.InDelta(t, 1, res.Value(y), tol)
}

func TestSolveDegenerate(t *testing.T) {
	// many constraints active at the optimum vertex
	p := NewProblem("degenerate")
	x := p.AddVar("x", 0, math.Inf(1), Continuous, -1)
	y := p.AddVar("y", 0, math.Inf(1), Continuous, -1)
	p.AddConstraint("a", []Term{{x, 1}}, LessEqual, 1)
	p.AddConstraint("b", []Term{{y, 1}}, LessEqual, 1)
	p.AddConstraint("c", []Term{{x, 1}, {y, 1}}, LessEqual, 2)
	p.AddConstraint("d", []Term{{x, 1}, {y, -1}}, LessEqual, 0)
	p.AddConstraint("e", []Term{{x, 2}, {y, 1}}, LessEqual, 3)

	res := solve(t, p)
	require.Equal(t, Optimal, res.Status)
	assert.InDelta(t, -2, res.Objective, tol)
}

func TestSolveFreeAndUpperBoundedVariables(t *testing.T) {
	p := NewProblem("free")
	x := p.AddVar("x", math.Inf(-1), math.Inf(1), Continuous, 1)
	y := p.AddVar("y", math.Inf(-1), 5, Continuous, -1)
	p.AddConstraint("floor", []Term{{x, 1}}, GreaterEqual, -3)

	res := solve(t, p)
	require.Equal(t, Optimal, res.Status)
	assert.InDelta(t, -3, res.Value(x), tol)
	assert.InDelta(t, 5, res.Value(y), tol)
	assert.InDelta(t, -8, res.Objective, tol)
}

func TestSolveShiftedBounds(t *testing.T) {
	p := NewProblem("shifted")
	x := p.AddVar("x", 2, 4, Continuous, 3)
	y := p.AddVar("y", -1, 1, Continuous, -1)
	p.AddConstraint("sum", []Term{{x, 1}, {y, 1}}, GreaterEqual, 4)

	res := solve(t, p)
	require.Equal(t, Optimal, res.Status)
	assert.InDelta(t, 3, res.Value(x), tol)
	assert.InDelta(t, 1, res.Value(y), tol)
	assert.InDelta(t, 8, res.Objective, tol)
}

// transportProblem ships 75 units of supply to 65 units of demand.
func transportProblem() *Problem {
	supply := []float64{20, 30, 25}
	demand := []float64{10, 25, 30}
	cost := [][]float64{{8, 6, 10}, {9, 12, 13}, {14, 9, 16}}

	p := NewProblem("transport")
	x := make([][]Var, len(supply))
	for i := range supply {
		for j := range demand {
			x[i] = append(x[i], p.AddVar(fmt.Sprintf("x_%d_%d", i, j), 0, math.Inf(1), Continuous, cost[i][j]))
		}
	}
	for i, s := range supply {
		var terms []Term
		for j := range demand {
			terms = append(terms, Term{x[i][j], 1})
		}
		p.AddConstraint(fmt.Sprintf("supply_%d", i), terms, LessEqual, s)
	}
	for j, d := range demand {
		var terms []Term
		for i := range supply {
			terms = append(terms, Term{x[i][j], 1})
		}
		p.AddConstraint(fmt.Sprintf("demand_%d", j), terms, Equal, d)
	}
	return p
}

func TestWarmStartMatchesColdStart(t *testing.T) {
	ctx := context.Background()
	p := transportProblem()
	lo, hi := p.bounds()

	tab := newTableau(ctx, p, time.Time{})
	root, err := tab.solve(lo, hi)
	require.NoError(t, err)
	require.Equal(t, lpOptimal, root.status)
	start := tab.snapshot()

	cold, err := solveLP(ctx, p, lo, hi, time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, cold.obj, root.obj, tol)

	check := func(name string, clo, chi []float64) {
		t.Helper()
		warm, err := tab.solve(clo, chi)
		require.NoError(t, err, name)
		want, err := solveLP(ctx, p, clo, chi, time.Time{})
		require.NoError(t, err, name)
		require.Equal(t, want.status, warm.status, name)
		if want.status != lpOptimal {
			return
		}
		assert.InDelta(t, want.obj, warm.obj, tol, name)
		_, violation := p.Evaluate(warm.x)
		assert.LessOrEqual(t, violation, tol, name)
		for j, v := range warm.x {
			assert.GreaterOrEqual(t, v, clo[j]-tol, name)
			assert.LessOrEqual(t, v, chi[j]+tol, name)
		}
	}

	for j := range p.NumVars() {
		// from the parent basis, as a sibling would start
		tab.load(start)
		chi := slices.Clone(hi)
		chi[j] = math.Floor(root.x[j] / 2)
		check(fmt.Sprintf("cap x%d", j), lo, chi)

		// and straight on from the previous child, as a first child would
		clo := slices.Clone(lo)
		clo[j] = 12
		check(fmt.Sprintf("floor x%d", j), clo, hi)
	}
}

func TestWarmStartDetectsInfeasibleChild(t *testing.T) {
	p := transportProblem()
	lo, hi := p.bounds()
	tab := newTableau(context.Background(), p, time.Time{})
	_, err := tab.solve(lo, hi)
	require.NoError(t, err)

	// demand_2 needs 30 units; capping every arc into it at 5 leaves 15
	chi := slices.Clone(hi)
	for i := 0; i < 3; i++ {
		chi[i*3+2] = 5
	}
	sol, err := tab.solve(lo, chi)
	require.NoError(t, err)
	assert.Equal(t, lpInfeasible, sol.status)

	// the tableau stays usable for the next node
	sol, err = tab.solve(lo, hi)
	require.NoError(t, err)
	require.Equal(t, lpOptimal, sol.status)
}

// sharedGrid routes two commodities across a size x size grid of
// bidirectional unit arcs. Each arc's capacity covers the larger of the
// two flows, so sharing arcs is free.
func sharedGrid(size int, sources []int, sink int) (*Problem, int) {
	p := NewProblem("grid")
	type arc struct{ from, to int }
	var arcs []arc
	for r := 0; r < size; r++ {
		for c := 0; c < size; c++ {
			n := r*size + c
			if c+1 < size {
				arcs = append(arcs, arc{n, n + 1}, arc{n + 1, n})
			}
			if r+1 < size {
				arcs = append(arcs, arc{n, n + size}, arc{n + size, n})
			}
		}
	}
	capacity := make([]Var, len(arcs))
	for a := range arcs {
		capacity[a] = p.AddVar(fmt.Sprintf("C_%d", a), 0, math.Inf(1), Continuous, 1)
	}
	for k, src := range sources {
		flow := make([]Var, len(arcs))
		for a := range arcs {
			flow[a] = p.AddVar(fmt.Sprintf("b_%d_%d", k, a), 0, 1, Binary, 0)
			p.AddConstraint(fmt.Sprintf("cap_%d_%d", k, a), []Term{{flow[a], 1}, {capacity[a], -1}}, LessEqual, 0)
		}
		for n := 0; n < size*size; n++ {
			var terms []Term
			for a, e := range arcs {
				switch n {
				case e.from:
					terms = append(terms, Term{flow[a], 1})
				case e.to:
					terms = append(terms, Term{flow[a], -1})
				}
			}
			rhs := 0.0
			switch n {
			case src:
				rhs = 1
			case sink:
				rhs = -1
			}
			p.AddConstraint(fmt.Sprintf("flow_%d_%d", k, n), terms, Equal, rhs)
		}
	}
	return p, len(arcs)
}

func TestSolveSharedCapacityFlow(t *testing.T) {
	// corner to corner, and from the corner's neighbour; the second route
	// fits inside the first
	p, arcs := sharedGrid(4, []int{0, 1}, 15)

	res := solve(t, p)
	require.Equal(t, Optimal, res.Status)
	assert.InDelta(t, 6, res.Objective, tol)
	_, violation := p.Evaluate(res.Values)
	assert.LessOrEqual(t, violation, tol)
	for a := 0; a < arcs; a++ {
		assert.Contains(t, []float64{0, 1}, math.Round(res.Values[a]*1e6)/1e6)
	}
}

func knapsackProblem(n int) *Problem {
	p := NewProblem("knapsack")
	var terms []Term
	for i := 0; i < n; i++ {
		v := p.AddVar("", 0, 1, Binary, -float64(3+i%7))
		terms = append(terms, Term{v, float64(2 + i%5)})
	}
	p.AddConstraint("capacity", terms, LessEqual, float64(n)+0.5)
	return p
}

func TestSolveTimeLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.TimeLimit = time.Nanosecond

	res, err := NewBranchAndBound().Solve(context.Background(), knapsackProblem(20), opts)
	require.NoError(t, err)
	assert.Equal(t, TimeLimit, res.Status)
}

func TestSolveMaxNodes(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxNodes = 1

	res, err := NewBranchAndBound().Solve(context.Background(), knapsackProblem(20), opts)
	require.NoError(t, err)
	assert.Equal(t, TimeLimit, res.Status)
	assert.Equal(t, 1, res.Nodes)
}

func TestSolveIterationLimitIsNumericalFailure(t *testing.T) {
	opts := DefaultOptions()
	opts.IterationLimit = 1

	res, err := NewBranchAndBound().Solve(context.Background(), knapsackProblem(20), opts)
	require.NoError(t, err)
	assert.Equal(t, NumericalFailure, res.Status)
	assert.Equal(t, "numerical_failure", res.Status.String())
	assert.False(t, res.HasIncumbent())
	assert.Equal(t, 1, res.Nodes)
}

func TestSolveContextDeadlineIsTimeLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	res, err := NewBranchAndBound().Solve(ctx, knapsackProblem(10), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, TimeLimit, res.Status)
}

func TestSolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBranchAndBound().Solve(ctx, knapsackProblem(10), DefaultOptions())
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Problem
	}{
		{"nil", func() *Problem { return nil }},
		{"inverted bounds", func() *Problem {
			p := NewProblem("p")
			p.AddVar("x", 2, 1, Continuous, 0)
			return p
		}},
		{"nan objective", func() *Problem {
			p := NewProblem("p")
			p.AddVar("x", 0, 1, Continuous, math.NaN())
			return p
		}},
		{"unknown variable", func() *Problem {
			p := NewProblem("p")
			p.AddVar("x", 0, 1, Continuous, 0)
			p.AddConstraint("c", []Term{{Var(3), 1}}, LessEqual, 1)
			return p
		}},
		{"infinite rhs", func() *Problem {
			p := NewProblem("p")
			x := p.AddVar("x", 0, 1, Continuous, 0)
			p.AddConstraint("c", []Term{{x, 1}}, LessEqual, math.Inf(1))
			return p
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.build()
			assert.ErrorIs(t, p.Validate(), ErrInvalidProblem)
			_, err := NewBranchAndBound().Solve(context.Background(), p, DefaultOptions())
			assert.ErrorIs(t, err, ErrInvalidProblem)
		})
	}
}

func TestAddConstraintMergesTerms(t *testing.T) {
	p := NewProblem("merge")
	x := p.AddVar("x", 0, 1, Continuous, 0)
	y := p.AddVar("y", 0, 1, Continuous, 0)
	p.AddConstraint("c", []Term{{y, 1}, {x, 2}, {y, -1}, {x, 1}}, LessEqual, 1)

	c := p.Constraint(0)
	assert.Equal(t, []Term{{x, 3}}, c.Terms)
}

func TestAddVarBinaryBounds(t *testing.T) {
	p := NewProblem("binary")
	v := p.AddVar("b", -5, 5, Binary, 0)
	assert.Equal(t, 0.0, p.Variable(v).Lower)
	assert.Equal(t, 1.0, p.Variable(v).Upper)
	assert.Equal(t, 1, p.NumIntegers())
}

func TestWriteLP(t *testing.T) {
	p := NewProblem("export")
	x := p.AddVar("C_(1,2)", 0, math.Inf(1), Continuous, 1)
	z := p.AddVar("z", 0, 1, Binary, 0)
	f := p.AddVar("free", math.Inf(-1), math.Inf(1), Continuous, 0)
	n := p.AddVar("n", 1, 4, Integer, -2)
	p.AddConstraint("link(1,2)", []Term{{x, 1}, {z, -3.5}, {f, 1}}, GreaterEqual, 0)
	p.AddConstraint("", []Term{{n, 1}, {f, -1}}, Equal, 2)

	var buf bytes.Buffer
	require.NoError(t, WriteLP(&buf, p))
	out := buf.String()

	for _, want := range []string{
		"Minimize\n obj: C__1_2_ - 2 n\n",
		"Subject To\n link_1_2_: C__1_2_ - 3.5 z + free >= 0\n",
		" c1: - free + n = 2\n",
		"Bounds\n",
		" free free\n",
		" 1 <= n <= 4\n",
		"General\n n\n",
		"Binary\n z\n",
	} {
		assert.Contains(t, out, want)
	}
	assert.True(t, strings.HasSuffix(out, "End\n"))
	assert.NotContains(t, out, "z <=")
}

func TestWriteLPWrapsLongRows(t *testing.T) {
	p := NewProblem("wide")
	var terms []Term
	for i := 0; i < 200; i++ {
		terms = append(terms, Term{p.AddVar("", 0, 1, Continuous, 0), 1})
	}
	p.AddConstraint("wide", terms, LessEqual, 10)

	var buf bytes.Buffer
	require.NoError(t, WriteLP(&buf, p))
	for _, line := range strings.Split(buf.String(), "\n") {
		assert.LessOrEqual(t, len(line), maxLineLength+32)
	}
}

func TestWriteLPInvalid(t *testing.T) {
	p := NewProblem("bad")
	p.AddVar("x", 1, 0, Continuous, 0)
	assert.ErrorIs(t, WriteLP(&bytes.Buffer{}, p), ErrInvalidProblem)
}

// bruteForceKnapsack enumerates every subset.
func bruteForceKnapsack(values, weights []int, capacity int) int {
	best := 0
	for mask := 0; mask < 1<<len(values); mask++ {
		v, w := 0, 0
		for i := range values {
			if mask&(1<<i) != 0 {
				v += values[i]
				w += weights[i]
			}
		}
		if w <= capacity && v > best {
			best = v
		}
	}
	return best
}

func TestBranchAndBoundMatchesEnumeration(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("knapsack optimum equals enumeration", prop.ForAll(
		func(values, weights []int, capacity int) bool {
			n := min(len(values), len(weights))
			values, weights = values[:n], weights[:n]

			p := NewProblem("knapsack")
			var terms []Term
			for i := 0; i < n; i++ {
				v := p.AddVar("", 0, 1, Binary, -float64(values[i]))
				terms = append(terms, Term{v, float64(weights[i])})
			}
			p.AddConstraint("capacity", terms, LessEqual, float64(capacity))

			res, err := NewBranchAndBound().Solve(context.Background(), p, DefaultOptions())
			if err != nil || res.Status != Optimal {
				return false
			}
			return math.Abs(-res.Objective-float64(bruteForceKnapsack(values, weights, capacity))) < 1e-6
		},
		gen.SliceOfN(8, gen.IntRange(1, 20)),
		gen.SliceOfN(8, gen.IntRange(1, 10)),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
