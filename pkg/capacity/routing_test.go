package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-riskcap/pkg/network"
	"github.com/dd0wney/cluso-riskcap/pkg/scenario"
	"github.com/dd0wney/cluso-riskcap/pkg/solver"
)

// nsfnetInput protects three long-haul NSFNET pairs with loads 1, 2 and 3.
func nsfnetInput(t *testing.T, count int, seed uint64) Input {
	t.Helper()
	s, err := scenario.NewGenerator(scenario.WithWorkers(2)).Generate(context.Background(), scenario.Request{
		Count: count, FailureProbability: 0.05, Weights: []float64{1, 2, 3}, Seed: seed,
	})
	require.NoError(t, err)
	return Input{
		Graph: network.NSFNET(),
		Commodities: []network.Commodity{
			{Source: 1, Destination: 14},
			{Source: 3, Destination: 12},
			{Source: 6, Destination: 9},
		},
		Scenarios: s,
	}
}

func requireRouted(t *testing.T, sol *Solution, in Input) {
	t.Helper()
	assert.Equal(t, solver.Optimal, sol.Status)
	require.NoError(t, sol.Design.CheckFlowConservation())
	for c, com := range in.Commodities {
		path, err := sol.Design.Path(c)
		require.NoError(t, err, "commodity %s", com)
		assert.NotEmpty(t, path, "commodity %s", com)
	}
}

func TestNSFNETSolvesWithBothRoutings(t *testing.T) {
	ctx := context.Background()
	in := nsfnetInput(t, 100, 11)
	cfg := DefaultConfig()
	cfg.Epsilon = 0.1
	cfg.Solver.TimeLimit = 2 * time.Minute

	m := NewModel(cfg)
	flow, err := m.Solve(ctx, in)
	require.NoError(t, err)
	requireRouted(t, flow, in)
	assert.Greater(t, flow.Design.Objective, 0.0)

	qs, err := m.Superquantile(ctx, flow.Design, in.Scenarios, nil)
	require.NoError(t, err)
	for _, q := range qs {
		assert.LessOrEqual(t, q.Q, 1e-5, "link %s meets its bound in sample", q.Link)
	}

	pathCfg := cfg
	pathCfg.Routing = RoutingPaths
	pathCfg.PathCutoff = 6
	paths, err := NewModel(pathCfg).Solve(ctx, in)
	require.NoError(t, err)
	requireRouted(t, paths, in)
	// a hop cutoff can only remove routes
	assert.GreaterOrEqual(t, paths.Design.Objective, flow.Design.Objective-1e-5)
}

func TestFullMeshLinkCommodities(t *testing.T) {
	if testing.Short() {
		t.Skip("branch and bound over 144 routing binaries")
	}
	ctx := context.Background()
	g, err := network.FullMesh(4)
	require.NoError(t, err)
	cs := network.LinkCommodities(g)
	s, err := scenario.NewGenerator(scenario.WithWorkers(2)).Generate(ctx, scenario.Request{
		Count: 500, FailureProbability: 0.025, Weights: network.UniformCapacity(cs, 1), Seed: 5,
	})
	require.NoError(t, err)
	in := Input{Graph: g, Commodities: cs, Scenarios: s}

	cfg := DefaultConfig()
	cfg.Solver.TimeLimit = 2 * time.Minute
	m := NewModel(cfg)
	sol, err := m.Solve(ctx, in)
	require.NoError(t, err)
	requireRouted(t, sol, in)
	assert.Equal(t, 12*12, sol.Variables-2*12-12*sol.Groups, "one routing binary per link and commodity")

	qs, err := m.Superquantile(ctx, sol.Design, s, nil)
	require.NoError(t, err)
	for _, q := range qs {
		assert.LessOrEqual(t, q.Q, 1e-5, "link %s", q.Link)
	}
}

func TestNumericalFailureIsInfeasible(t *testing.T) {
	g, cs := pair(t)
	in := Input{Graph: g, Commodities: cs, Scenarios: pairScenarios(t)}
	cfg := DefaultConfig()
	cfg.AcceptIncumbent = true

	_, err := NewModel(cfg, WithOracle(statusOracle{status: solver.NumericalFailure})).Solve(context.Background(), in)
	require.ErrorIs(t, err, ErrInfeasible)
	var ierr *InfeasibleError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, solver.NumericalFailure, ierr.Status)
	assert.True(t, ierr.HasIncumbent)

	// the reference oracle reports a starved simplex the same way
	cfg.Solver.IterationLimit = 1
	_, err = NewModel(cfg).Solve(context.Background(), in)
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, solver.NumericalFailure, ierr.Status)
	assert.False(t, ierr.HasIncumbent)
}
