package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-riskcap/pkg/estimate"
	"github.com/dd0wney/cluso-riskcap/pkg/network"
	"github.com/dd0wney/cluso-riskcap/pkg/pipeline"
)

func TestRenderEstimateFlagsLinksOverEpsilon(t *testing.T) {
	res := &estimate.Result{
		Statistic:  estimate.Indicator,
		Samples:    1000,
		Confidence: 0.95,
		Z:          1.96,
		Links: []estimate.LinkEstimate{
			{Link: network.Link{From: 1, To: 2}, Probability: 0.01, Lower: 0.004, Upper: 0.016},
			{Link: network.Link{From: 2, To: 3}, Probability: 0.06, Lower: 0.045, Upper: 0.075},
		},
	}
	out := renderEstimate("Validation", res, 0.05, []float64{0.006, 0.015})
	assert.Contains(t, out, "1 of 2 links may exceed epsilon 0.05")
	assert.Contains(t, out, "binomial")

	res.Links = res.Links[:1]
	assert.Contains(t, renderEstimate("Validation", res, 0.05, nil), "all 1 links within epsilon")
}

func TestRenderInfeasibleReport(t *testing.T) {
	out := renderReport(&pipeline.Report{RunID: "r1", Seed: 9}, 0.05)
	assert.Contains(t, out, "Run r1")
	assert.Contains(t, out, "infeasible")
}

func TestCommonFlagsOverrideConfig(t *testing.T) {
	t.Setenv("RISKCAP_CONFIG", "")
	fs, common := newFlagSet("run", "")
	ok, err := parse(fs, []string{"-seed", "5", "-samples", "300", "-fused"})
	require.NoError(t, err)
	require.True(t, ok)

	cfg, err := common.load(fs)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cfg.Scenarios.Seed)
	assert.Equal(t, 300, cfg.Scenarios.ValidationSamples)
	assert.True(t, cfg.Estimate.Fused)
	// unset flags leave the configuration alone
	assert.Equal(t, 0, cfg.Scenarios.Workers)

	fs, _ = newFlagSet("run", "")
	fs.SetOutput(nopWriter{})
	ok, err = parse(fs, []string{"-h"})
	assert.NoError(t, err)
	assert.False(t, ok)

	fs, _ = newFlagSet("run", "")
	fs.SetOutput(nopWriter{})
	_, err = parse(fs, []string{"-nope"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, flag.ErrHelp)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
