// Package design holds a solved backup capacity design: per-link capacities
// and the (backup link, commodity) routing matrix, along with its flat
// persistence record and the stores that keep it.
package design

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/dd0wney/cluso-riskcap/pkg/network"
)

// DefaultTolerance is the capacity above which a link counts as a chosen
// backup link. Solver output carries floating-point noise, so exact zero
// is never used.
const DefaultTolerance = 1e-4

var (
	// ErrInvalidDesign is returned for designs whose shapes disagree or
	// whose routes violate flow conservation.
	ErrInvalidDesign = errors.New("invalid design")

	// ErrDesignNotFound is returned by stores for unknown design IDs.
	ErrDesignNotFound = errors.New("design not found")
)

// Design is the output of the capacity model. Capacities is aligned with
// Links; Routes is indexed [link][commodity] with values in {0,1}.
type Design struct {
	ID          string
	Links       []network.Link
	Capacities  []float64
	Commodities []network.Commodity
	Routes      [][]uint8
	Objective   float64
	Status      string
	Tolerance   float64
}

// New allocates a design with zero capacities and empty routes.
func New(links []network.Link, commodities []network.Commodity) *Design {
	routes := make([][]uint8, len(links))
	for i := range routes {
		routes[i] = make([]uint8, len(commodities))
	}
	return &Design{
		Links:       slices.Clone(links),
		Capacities:  make([]float64, len(links)),
		Commodities: slices.Clone(commodities),
		Routes:      routes,
		Tolerance:   DefaultTolerance,
	}
}

func (d *Design) tolerance() float64 {
	if d.Tolerance > 0 {
		return d.Tolerance
	}
	return DefaultTolerance
}

// NumLinks returns the number of backup links.
func (d *Design) NumLinks() int { return len(d.Links) }

// LinkIndex returns the position of l in Links.
func (d *Design) LinkIndex(l network.Link) (int, bool) {
	i := slices.Index(d.Links, l)
	return i, i >= 0
}

// Capacity returns the capacity of l, or 0 when l is not in the design.
func (d *Design) Capacity(l network.Link) float64 {
	if i, ok := d.LinkIndex(l); ok {
		return d.Capacities[i]
	}
	return 0
}

// Chosen reports whether link i carries more than the tolerance.
func (d *Design) Chosen(i int) bool {
	return d.Capacities[i] > d.tolerance()
}

// ChosenLinks returns the indices of links whose capacity exceeds the
// tolerance, in link order.
func (d *Design) ChosenLinks() []int {
	var out []int
	for i := range d.Links {
		if d.Chosen(i) {
			out = append(out, i)
		}
	}
	return out
}

// TotalCapacity sums the capacities.
func (d *Design) TotalCapacity() float64 {
	total := 0.0
	for _, c := range d.Capacities {
		total += c
	}
	return total
}

// Routed returns the commodity indices routed over link i.
func (d *Design) Routed(i int) []int {
	var out []int
	for c, v := range d.Routes[i] {
		if v != 0 {
			out = append(out, c)
		}
	}
	return out
}

// LinkLoad is Σ_c routes[i][c]·row[c] for a scenario row of commodity loads.
func (d *Design) LinkLoad(i int, row []float64) float64 {
	load := 0.0
	for c, v := range d.Routes[i] {
		if v != 0 {
			load += row[c]
		}
	}
	return load
}

// AverageCommoditiesPerLink is the mean number of commodities routed over
// the chosen backup links. It is 0 when no link is chosen.
func (d *Design) AverageCommoditiesPerLink() float64 {
	chosen := d.ChosenLinks()
	if len(chosen) == 0 {
		return 0
	}
	total := 0
	for _, i := range chosen {
		total += len(d.Routed(i))
	}
	return float64(total) / float64(len(chosen))
}

// Validate checks that the slices agree in shape, capacities are finite
// and non-negative, and route values are 0 or 1.
func (d *Design) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil design", ErrInvalidDesign)
	}
	if len(d.Capacities) != len(d.Links) {
		return fmt.Errorf("%w: %d capacities for %d links", ErrInvalidDesign, len(d.Capacities), len(d.Links))
	}
	if len(d.Routes) != len(d.Links) {
		return fmt.Errorf("%w: %d route rows for %d links", ErrInvalidDesign, len(d.Routes), len(d.Links))
	}
	for i, c := range d.Capacities {
		if math.IsNaN(c) || math.IsInf(c, 0) || c < 0 {
			return fmt.Errorf("%w: link %s has capacity %v", ErrInvalidDesign, d.Links[i], c)
		}
	}
	for i, row := range d.Routes {
		if len(row) != len(d.Commodities) {
			return fmt.Errorf("%w: link %s has %d route entries for %d commodities",
				ErrInvalidDesign, d.Links[i], len(row), len(d.Commodities))
		}
		for c, v := range row {
			if v > 1 {
				return fmt.Errorf("%w: route (%s, %s) = %d", ErrInvalidDesign, d.Links[i], d.Commodities[c], v)
			}
		}
	}
	return nil
}

// CheckFlowConservation verifies that, for every commodity, the routed
// links have net outflow +1 at the source, -1 at the destination and 0 at
// every other node.
func (d *Design) CheckFlowConservation() error {
	if err := d.Validate(); err != nil {
		return err
	}
	for c, com := range d.Commodities {
		net := make(map[network.NodeID]int)
		net[com.Source] += 0
		net[com.Destination] += 0
		for i, l := range d.Links {
			if d.Routes[i][c] == 0 {
				continue
			}
			net[l.From]++
			net[l.To]--
		}
		for node, v := range net {
			want := 0
			switch node {
			case com.Source:
				want = 1
			case com.Destination:
				want = -1
			}
			if v != want {
				return fmt.Errorf("%w: commodity %s has net outflow %d at node %d, want %d",
					ErrInvalidDesign, com, v, node, want)
			}
		}
	}
	return nil
}

// Path follows the routes of commodity c from its source and returns the
// link indices in order. It fails when the routes do not form a single
// source to destination walk.
func (d *Design) Path(c int) ([]int, error) {
	com := d.Commodities[c]
	var path []int
	at := com.Source
	visited := map[network.NodeID]bool{at: true}
	for at != com.Destination {
		next := -1
		for i, l := range d.Links {
			if l.From == at && d.Routes[i][c] != 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("%w: commodity %s stops at node %d", ErrInvalidDesign, com, at)
		}
		path = append(path, next)
		at = d.Links[next].To
		if visited[at] {
			return nil, fmt.Errorf("%w: commodity %s revisits node %d", ErrInvalidDesign, com, at)
		}
		visited[at] = true
	}
	return path, nil
}

// PruneCycles reduces the routes of every commodity to a single simple
// path, dropping any closed loops a flow-conserving solution may carry.
// Loads only shrink, so capacities stay feasible.
func (d *Design) PruneCycles() error {
	if err := d.CheckFlowConservation(); err != nil {
		return err
	}
	for c, com := range d.Commodities {
		used := make([]bool, len(d.Links))
		walk := []int{}
		pos := map[network.NodeID]int{com.Source: 0}
		at := com.Source
		for at != com.Destination {
			next := -1
			for i, l := range d.Links {
				if l.From == at && d.Routes[i][c] != 0 && !used[i] {
					next = i
					break
				}
			}
			if next < 0 {
				return fmt.Errorf("%w: commodity %s stops at node %d", ErrInvalidDesign, com, at)
			}
			used[next] = true
			at = d.Links[next].To
			if p, ok := pos[at]; ok {
				// closed a loop: cut the walk back to its first visit
				for _, i := range walk[p:] {
					delete(pos, d.Links[i].To)
				}
				walk = walk[:p]
				pos[at] = p
				continue
			}
			walk = append(walk, next)
			pos[at] = len(walk)
		}
		for i := range d.Links {
			d.Routes[i][c] = 0
		}
		for _, i := range walk {
			d.Routes[i][c] = 1
		}
	}
	return nil
}

// Equal reports whether two designs carry the same links, commodities,
// capacities and routes.
func Equal(a, b *Design) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !slices.Equal(a.Links, b.Links) || !slices.Equal(a.Commodities, b.Commodities) ||
		!slices.Equal(a.Capacities, b.Capacities) || len(a.Routes) != len(b.Routes) {
		return false
	}
	for i := range a.Routes {
		if !slices.Equal(a.Routes[i], b.Routes[i]) {
			return false
		}
	}
	return true
}
