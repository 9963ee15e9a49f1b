package main

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/estimate"
	"github.com/dd0wney/cluso-riskcap/pkg/network"
)

func testModel() model {
	links := []network.Link{{From: 1, To: 2}, {From: 2, To: 1}}
	d := design.New(links, []network.Commodity{{Source: 1, Destination: 2}})
	d.ID = "d-1"
	return initialModel(d, estimate.Escalation{Schedule: []int{100, 400}, Tolerance: 0.01}, 0.05)
}

func round(n, samples int, p float64) roundMsg {
	return roundMsg(estimate.Round{
		Round:   n,
		Samples: samples,
		Result: &estimate.Result{
			Statistic: estimate.Indicator,
			Samples:   samples,
			Links: []estimate.LinkEstimate{
				{Link: network.Link{From: 1, To: 2}, Capacity: 1, Probability: p, Lower: p / 2, Upper: p * 2},
			},
		},
		MaxHalfWidth: p,
		Elapsed:      time.Second,
	})
}

func update(t *testing.T, m model, msg tea.Msg) model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(model)
	require.True(t, ok)
	return out
}

func TestRoundsFillTables(t *testing.T) {
	m := testModel()
	m = update(t, m, round(1, 100, 0.03))
	assert.Contains(t, m.View(), "round 2 of 2")
	m = update(t, m, round(2, 400, 0.02))

	assert.Len(t, m.rounds, 2)
	assert.Len(t, m.roundTbl.Rows(), 2)
	require.Len(t, m.linkTbl.Rows(), 1)
	assert.Equal(t, "0.02000", m.linkTbl.Rows()[0][2])
}

func TestDoneAndErrorStopRunning(t *testing.T) {
	m := update(t, testModel(), doneMsg{&estimate.EscalationResult{Converged: true, Rounds: make([]estimate.Round, 1)}})
	assert.False(t, m.running)
	assert.Contains(t, m.renderStatus(), "converged after 1 rounds")

	m = update(t, testModel(), errMsg{errors.New("worker gone")})
	assert.False(t, m.running)
	assert.Contains(t, m.renderStatus(), "worker gone")
}

func TestTabsCycle(t *testing.T) {
	m := testModel()
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, linksView, m.current)
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, designView, m.current)
	assert.Contains(t, m.View(), "d-1")
	m = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, linksView, m.current)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
