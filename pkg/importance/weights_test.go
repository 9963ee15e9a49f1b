package importance

import (
	"context"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-riskcap/pkg/scenario"
)

func TestWeightIdentity(t *testing.T) {
	for _, p := range []float64{0, 0.025, 0.5, 1} {
		for m := 0; m <= 10; m++ {
			if p == 0 && m > 0 || p == 1 && m < 10 {
				continue
			}
			w, err := Weight(m, 10, p, p)
			require.NoError(t, err)
			if w != 1 {
				t.Errorf("Weight(%d, 10, %v, %v) = %v, want exactly 1", m, p, p, w)
			}
		}
	}
}

func TestLogWeightClosedForm(t *testing.T) {
	m, n := 3, 42
	target, proposal := 0.01, 0.1
	want := float64(m)*(math.Log(target)-math.Log(proposal)) +
		float64(n-m)*(math.Log(1-target)-math.Log(1-proposal))

	got, err := LogWeight(m, n, target, proposal)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-12)
}

func TestLogWeightZeroTimesLogZero(t *testing.T) {
	// no failures, target 0: only the survival term contributes
	lw, err := LogWeight(0, 5, 0, 0.2)
	require.NoError(t, err)
	assert.InDelta(t, -5*math.Log(0.8), lw, 1e-12)

	// failures under a zero target have weight zero, not an error
	w, err := Weight(2, 5, 0, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, w)

	// all links failed, target 1
	lw, err = LogWeight(5, 5, 1, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, -5*math.Log(0.5), lw, 1e-12)
}

func TestLogWeightErrors(t *testing.T) {
	tests := []struct {
		name     string
		m, n     int
		t, q     float64
		sentinel error
	}{
		{"failure with zero proposal", 1, 5, 0.1, 0, ErrImpossibleScenario},
		{"survivor with proposal one", 4, 5, 0.1, 1, ErrImpossibleScenario},
		{"m above n", 6, 5, 0.1, 0.2, ErrInvalidInput},
		{"negative m", -1, 5, 0.1, 0.2, ErrInvalidInput},
		{"target above one", 1, 5, 1.1, 0.2, ErrInvalidInput},
		{"NaN proposal", 1, 5, 0.1, math.NaN(), ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LogWeight(tt.m, tt.n, tt.t, tt.q)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestWeightOverflow(t *testing.T) {
	// 2000 failures at target 0.9 drawn at proposal 1e-3
	_, err := Weight(2000, 2000, 0.9, 1e-3)
	assert.ErrorIs(t, err, ErrWeightOverflow)

	lw, err := LogWeight(2000, 2000, 0.9, 1e-3)
	require.NoError(t, err)
	assert.False(t, math.IsInf(lw, 0), "log domain stays finite")
}

func TestReweighterUnbiased(t *testing.T) {
	const n = 200000
	target, proposal := 0.01, 0.05
	g := scenario.NewGenerator(scenario.WithWorkers(4))
	s, err := g.Generate(context.Background(), scenario.Request{
		Count: n, FailureProbability: proposal, Weights: []float64{1, 1, 1, 1}, Seed: 3,
	})
	require.NoError(t, err)

	w, err := Reweighter{Target: target, Proposal: proposal}.Weights(s)
	require.NoError(t, err)

	// E_q[w] = 1 and E_q[w * 1{any failure}] = 1-(1-t)^4
	var sumW, sumFail float64
	for r := 0; r < s.Count; r++ {
		sumW += w[r]
		if s.Failures[r] > 0 {
			sumFail += w[r]
		}
	}
	assert.InDelta(t, 1.0, sumW/n, 0.01)
	assert.InDelta(t, 1-math.Pow(1-target, 4), sumFail/n, 0.003)
}

func TestReweighterReportsScenarioIndex(t *testing.T) {
	s, err := scenario.FromRows(10, [][]float64{{0, 0}, {1, 0}})
	require.NoError(t, err)
	_, err = Reweighter{Target: 0.1, Proposal: 0}.Weights(s)
	require.ErrorIs(t, err, ErrImpossibleScenario)
	assert.Contains(t, err.Error(), "scenario 11")
}

func TestNormalizeAndESS(t *testing.T) {
	logw := []float64{math.Log(2), math.Log(4), math.Log(2)}
	w, scale := Normalize(logw)
	assert.InDelta(t, math.Log(4), scale, 1e-12)
	assert.InDeltaSlice(t, []float64{0.5, 1, 0.5}, w, 1e-12)

	// (2+4+2)^2 / (4+16+4) = 64/24
	assert.InDelta(t, 64.0/24.0, EffectiveSampleSize(logw), 1e-9)

	assert.Equal(t, 0.0, EffectiveSampleSize(nil))
	inf := math.Inf(-1)
	zeros, s := Normalize([]float64{inf, inf})
	assert.Equal(t, []float64{0, 0}, zeros)
	assert.True(t, math.IsInf(s, -1))
	assert.Equal(t, 0.0, EffectiveSampleSize([]float64{inf}))
}

func TestESSOfEqualWeights(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("equal weights give ESS = N", prop.ForAll(
		func(n int, lw float64) bool {
			logw := make([]float64, n)
			for i := range logw {
				logw[i] = lw
			}
			return math.Abs(EffectiveSampleSize(logw)-float64(n)) < 1e-6*float64(n)
		},
		gen.IntRange(1, 500),
		gen.Float64Range(-600, 600),
	))
	properties.Property("ESS lies in [1, N]", prop.ForAll(
		func(logw []float64) bool {
			if len(logw) == 0 {
				return true
			}
			ess := EffectiveSampleSize(logw)
			return ess >= 1-1e-9 && ess <= float64(len(logw))+1e-9
		},
		gen.SliceOf(gen.Float64Range(-50, 50)),
	))
	properties.TestingRun(t)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(nil, 5))
	assert.NoError(t, Validate([]float64{0, 1.5}, 2))
	assert.ErrorIs(t, Validate([]float64{1}, 2), ErrInvalidWeights)
	assert.ErrorIs(t, Validate([]float64{1, -1}, 2), ErrInvalidWeights)
	assert.ErrorIs(t, Validate([]float64{math.Inf(1)}, 1), ErrInvalidWeights)
	assert.Equal(t, 1.0, At(nil, 3))
	assert.Equal(t, 2.0, At([]float64{2}, 0))
}
