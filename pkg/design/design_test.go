package design

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-riskcap/pkg/network"
)

// triangle returns a design on the 3-node mesh where commodity 1->2 is
// rerouted over 1->3->2 and commodity 2->1 goes direct.
func triangle() *Design {
	links := []network.Link{{1, 2}, {1, 3}, {2, 1}, {2, 3}, {3, 1}, {3, 2}}
	commodities := []network.Commodity{{1, 2}, {2, 1}}
	d := New(links, commodities)
	d.Capacities = []float64{0, 1, 1, 0, 0, 1}
	d.Routes[1][0] = 1 // 1->3
	d.Routes[5][0] = 1 // 3->2
	d.Routes[2][1] = 1 // 2->1
	d.Objective = 3
	d.Status = "optimal"
	return d
}

func TestChosenLinks(t *testing.T) {
	d := triangle()
	d.Capacities[0] = DefaultTolerance / 2

	assert.Equal(t, []int{1, 2, 5}, d.ChosenLinks())
	assert.InDelta(t, 3+DefaultTolerance/2, d.TotalCapacity(), 1e-12)
	assert.Equal(t, 1.0, d.Capacity(network.Link{From: 3, To: 2}))
	assert.Equal(t, 0.0, d.Capacity(network.Link{From: 9, To: 2}))
}

func TestChosenLinksCustomTolerance(t *testing.T) {
	d := triangle()
	d.Capacities[1] = 0.5
	d.Tolerance = 0.75
	assert.Equal(t, []int{2, 5}, d.ChosenLinks())
}

func TestAverageCommoditiesPerLink(t *testing.T) {
	d := triangle()
	assert.InDelta(t, 1.0, d.AverageCommoditiesPerLink(), 1e-12)

	d.Routes[5][1] = 1
	assert.InDelta(t, 4.0/3.0, d.AverageCommoditiesPerLink(), 1e-12)

	empty := New(d.Links, d.Commodities)
	assert.Equal(t, 0.0, empty.AverageCommoditiesPerLink())
}

func TestLinkLoad(t *testing.T) {
	d := triangle()
	d.Routes[1][1] = 1
	row := []float64{2, 3}
	assert.Equal(t, 5.0, d.LinkLoad(1, row))
	assert.Equal(t, 0.0, d.LinkLoad(0, row))
	assert.Equal(t, []int{0, 1}, d.Routed(1))
}

func TestCheckFlowConservation(t *testing.T) {
	d := triangle()
	require.NoError(t, d.CheckFlowConservation())

	path, err := d.Path(0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5}, path)

	broken := triangle()
	broken.Routes[5][0] = 0
	err = broken.CheckFlowConservation()
	assert.ErrorIs(t, err, ErrInvalidDesign)
	_, err = broken.Path(0)
	assert.ErrorIs(t, err, ErrInvalidDesign)

	unrouted := triangle()
	unrouted.Routes[2][1] = 0
	assert.ErrorIs(t, unrouted.CheckFlowConservation(), ErrInvalidDesign)
}

func TestPruneCycles(t *testing.T) {
	// a loop hanging off the destination of 2->1
	d := triangle()
	d.Routes[1][1] = 1 // 1->3
	d.Routes[4][1] = 1 // 3->1
	require.NoError(t, d.PruneCycles())
	assert.Equal(t, []int{0}, d.Routed(1))
	assert.Empty(t, d.Routed(4))
	assert.Equal(t, []int{1}, d.Routed(2))

	// a loop the walk passes through
	links := []network.Link{{1, 3}, {3, 1}, {1, 2}}
	loop := New(links, []network.Commodity{{1, 2}})
	for i := range links {
		loop.Routes[i][0] = 1
	}
	_, err := loop.Path(0)
	require.ErrorIs(t, err, ErrInvalidDesign)

	require.NoError(t, loop.PruneCycles())
	path, err := loop.Path(0)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, path)

	broken := triangle()
	broken.Routes[5][0] = 0
	assert.ErrorIs(t, broken.PruneCycles(), ErrInvalidDesign)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Design)
	}{
		{"capacity count", func(d *Design) { d.Capacities = d.Capacities[:2] }},
		{"negative capacity", func(d *Design) { d.Capacities[0] = -1 }},
		{"route rows", func(d *Design) { d.Routes = d.Routes[:1] }},
		{"route width", func(d *Design) { d.Routes[0] = []uint8{0} }},
		{"route value", func(d *Design) { d.Routes[0][0] = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := triangle()
			tt.mutate(d)
			assert.ErrorIs(t, d.Validate(), ErrInvalidDesign)
		})
	}
	var nilDesign *Design
	assert.ErrorIs(t, nilDesign.Validate(), ErrInvalidDesign)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	d := triangle()
	d.ID = "design-1"

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, d))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	assert.True(t, Equal(d, loaded))
	assert.Equal(t, d.ChosenLinks(), loaded.ChosenLinks())
	assert.Equal(t, "design-1", loaded.ID)
	assert.Equal(t, "optimal", loaded.Status)
	assert.Equal(t, 3.0, loaded.Objective)
}

func TestRecordFormat(t *testing.T) {
	d := triangle()
	data, err := json.Marshal(d)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"links", "capacities", "routes", "routeStatus"} {
		assert.Contains(t, raw, key)
	}
	assert.JSONEq(t, `[[1,2],[1,3],[2,1],[2,3],[3,1],[3,2]]`, string(raw["links"]))

	rec := d.ToRecord()
	require.Len(t, rec.Routes, 12)
	assert.Equal(t, [4]int{1, 3, 1, 2}, rec.Routes[2])
	assert.Equal(t, uint8(1), rec.RouteStatus[2])

	var back Design
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, Equal(d, &back))
}

func TestFromRecordReorderedRoutes(t *testing.T) {
	rec := triangle().ToRecord()
	// reverse the route list; the mapping must not depend on order
	for i, j := 0, len(rec.Routes)-1; i < j; i, j = i+1, j-1 {
		rec.Routes[i], rec.Routes[j] = rec.Routes[j], rec.Routes[i]
		rec.RouteStatus[i], rec.RouteStatus[j] = rec.RouteStatus[j], rec.RouteStatus[i]
	}
	d, err := FromRecord(rec)
	require.NoError(t, err)
	assert.NoError(t, d.CheckFlowConservation())
	assert.Equal(t, []int{1, 2, 5}, d.ChosenLinks())
}

func TestLoadRejectsMalformedRecords(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"capacity mismatch", `{"links":[[1,2]],"capacities":[],"routes":[],"routeStatus":[]}`},
		{"status mismatch", `{"links":[[1,2]],"capacities":[1],"routes":[[1,2,1,2]],"routeStatus":[]}`},
		{"unknown link", `{"links":[[1,2]],"capacities":[1],"routes":[[2,1,1,2]],"routeStatus":[1]}`},
		{"duplicate link", `{"links":[[1,2],[1,2]],"capacities":[1,1],"routes":[],"routeStatus":[]}`},
		{"bad status", `{"links":[[1,2]],"capacities":[1],"routes":[[1,2,1,2]],"routeStatus":[3]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.body))
			assert.Error(t, err)
		})
	}
}
