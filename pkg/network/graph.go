// Package network holds the directed topologies that backup capacity is
// designed on: nodes, links, and the commodities whose traffic must be
// rerouted when a primary link fails.
package network

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrInvalidGraph is returned for malformed node or link sets.
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrInvalidCommodity is returned for commodities whose endpoints are
	// missing from the graph or coincide.
	ErrInvalidCommodity = errors.New("invalid commodity")

	// ErrNoBackupPath is returned when a commodity has no source to
	// destination path in the backup graph.
	ErrNoBackupPath = errors.New("no backup path")
)

// NodeID identifies a node.
type NodeID int

// Link is a directed link.
type Link struct {
	From NodeID
	To   NodeID
}

func (l Link) String() string {
	return fmt.Sprintf("(%d,%d)", l.From, l.To)
}

// Commodity is a source/destination pair that needs a backup route.
type Commodity struct {
	Source      NodeID
	Destination NodeID
}

func (c Commodity) String() string {
	return fmt.Sprintf("%d->%d", c.Source, c.Destination)
}

// Graph is an immutable directed graph. Links keep the order they were
// supplied in; that order indexes every per-link slice in this module.
type Graph struct {
	nodes     []NodeID
	nodeIndex map[NodeID]int
	links     []Link
	linkIndex map[Link]int
	out       [][]int // per node index, outgoing link indices
	in        [][]int // per node index, incoming link indices
}

// NewGraph validates and builds a graph. Nodes are sorted; duplicate
// nodes, duplicate links, self loops and dangling endpoints are rejected.
func NewGraph(nodes []NodeID, links []Link) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidGraph)
	}

	sorted := slices.Clone(nodes)
	slices.Sort(sorted)
	g := &Graph{
		nodes:     sorted,
		nodeIndex: make(map[NodeID]int, len(sorted)),
		links:     slices.Clone(links),
		linkIndex: make(map[Link]int, len(links)),
		out:       make([][]int, len(sorted)),
		in:        make([][]int, len(sorted)),
	}
	for i, n := range sorted {
		if _, dup := g.nodeIndex[n]; dup {
			return nil, fmt.Errorf("%w: duplicate node %d", ErrInvalidGraph, n)
		}
		g.nodeIndex[n] = i
	}

	for i, l := range g.links {
		from, okFrom := g.nodeIndex[l.From]
		to, okTo := g.nodeIndex[l.To]
		switch {
		case !okFrom || !okTo:
			return nil, fmt.Errorf("%w: link %s references an unknown node", ErrInvalidGraph, l)
		case l.From == l.To:
			return nil, fmt.Errorf("%w: self loop %s", ErrInvalidGraph, l)
		}
		if _, dup := g.linkIndex[l]; dup {
			return nil, fmt.Errorf("%w: duplicate link %s", ErrInvalidGraph, l)
		}
		g.linkIndex[l] = i
		g.out[from] = append(g.out[from], i)
		g.in[to] = append(g.in[to], i)
	}
	return g, nil
}

// FromLinks builds a graph whose node set is every endpoint in links.
func FromLinks(links []Link) (*Graph, error) {
	seen := make(map[NodeID]struct{})
	var nodes []NodeID
	for _, l := range links {
		for _, n := range []NodeID{l.From, l.To} {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				nodes = append(nodes, n)
			}
		}
	}
	return NewGraph(nodes, links)
}

// Nodes returns the sorted node set.
func (g *Graph) Nodes() []NodeID { return slices.Clone(g.nodes) }

// Links returns the links in index order.
func (g *Graph) Links() []Link { return slices.Clone(g.links) }

func (g *Graph) NumNodes() int { return len(g.nodes) }

func (g *Graph) NumLinks() int { return len(g.links) }

// Link returns the link at index i.
func (g *Graph) Link(i int) Link { return g.links[i] }

// LinkIndex returns the index of l, or false if l is not in the graph.
func (g *Graph) LinkIndex(l Link) (int, bool) {
	i, ok := g.linkIndex[l]
	return i, ok
}

// HasNode reports whether n is in the graph.
func (g *Graph) HasNode(n NodeID) bool {
	_, ok := g.nodeIndex[n]
	return ok
}

// NodeIndex returns the position of n in Nodes().
func (g *Graph) NodeIndex(n NodeID) (int, bool) {
	i, ok := g.nodeIndex[n]
	return i, ok
}

// OutLinks returns the indices of links leaving n.
func (g *Graph) OutLinks(n NodeID) []int {
	i, ok := g.nodeIndex[n]
	if !ok {
		return nil
	}
	return g.out[i]
}

// InLinks returns the indices of links entering n.
func (g *Graph) InLinks(n NodeID) []int {
	i, ok := g.nodeIndex[n]
	if !ok {
		return nil
	}
	return g.in[i]
}

// ValidateCommodities checks that every commodity has two distinct
// endpoints present in g and that no commodity is listed twice.
func ValidateCommodities(g *Graph, commodities []Commodity) error {
	if len(commodities) == 0 {
		return fmt.Errorf("%w: empty commodity set", ErrInvalidCommodity)
	}
	seen := make(map[Commodity]struct{}, len(commodities))
	for i, c := range commodities {
		if !g.HasNode(c.Source) || !g.HasNode(c.Destination) {
			return fmt.Errorf("%w: commodity %d (%s) has an endpoint outside the graph", ErrInvalidCommodity, i, c)
		}
		if c.Source == c.Destination {
			return fmt.Errorf("%w: commodity %d (%s) starts and ends at the same node", ErrInvalidCommodity, i, c)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("%w: commodity %s listed twice", ErrInvalidCommodity, c)
		}
		seen[c] = struct{}{}
	}
	return nil
}
