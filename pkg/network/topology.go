package network

import "fmt"

// FullMesh returns the complete directed graph on nodes 1..n.
func FullMesh(n int) (*Graph, error) {
	if n < 2 {
		return nil, fmt.Errorf("%w: full mesh needs at least 2 nodes, got %d", ErrInvalidGraph, n)
	}
	nodes := make([]NodeID, n)
	for i := range nodes {
		nodes[i] = NodeID(i + 1)
	}
	links := make([]Link, 0, n*(n-1))
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				links = append(links, Link{From: a, To: b})
			}
		}
	}
	return NewGraph(nodes, links)
}

// nsfnetLinks is the 14-node, 21-span NSFNET backbone with each span in
// both directions.
var nsfnetLinks = [][2]NodeID{
	{1, 2}, {1, 3}, {1, 4},
	{2, 1}, {2, 3}, {2, 8},
	{3, 1}, {3, 2}, {3, 7},
	{4, 1}, {4, 5}, {4, 9},
	{5, 4}, {5, 6}, {5, 7},
	{6, 5}, {6, 8},
	{7, 3}, {7, 5}, {7, 10}, {7, 13},
	{8, 2}, {8, 6}, {8, 11},
	{9, 4}, {9, 12}, {9, 14},
	{10, 7}, {10, 11},
	{11, 8}, {11, 10}, {11, 12}, {11, 14},
	{12, 9}, {12, 11}, {12, 13},
	{13, 7}, {13, 12}, {13, 14},
	{14, 9}, {14, 11}, {14, 13},
}

// NSFNET returns the 14-node NSFNET reference topology.
func NSFNET() *Graph {
	links := make([]Link, len(nsfnetLinks))
	for i, l := range nsfnetLinks {
		links[i] = Link{From: l[0], To: l[1]}
	}
	g, err := FromLinks(links)
	if err != nil {
		panic(fmt.Sprintf("network: NSFNET table is malformed: %v", err))
	}
	return g
}

// Named returns a built-in topology by name: "nsfnet" or "mesh-<n>".
func Named(name string) (*Graph, error) {
	if name == "nsfnet" {
		return NSFNET(), nil
	}
	var n int
	if _, err := fmt.Sscanf(name, "mesh-%d", &n); err == nil {
		return FullMesh(n)
	}
	return nil, fmt.Errorf("%w: unknown topology %q", ErrInvalidGraph, name)
}

// LinkCommodities treats every link of primary as a protected commodity,
// in link order.
func LinkCommodities(primary *Graph) []Commodity {
	cs := make([]Commodity, primary.NumLinks())
	for i, l := range primary.links {
		cs[i] = Commodity{Source: l.From, Destination: l.To}
	}
	return cs
}

// UniformCapacity returns a per-commodity capacity weight vector with every
// entry equal to w.
func UniformCapacity(commodities []Commodity, w float64) []float64 {
	out := make([]float64, len(commodities))
	for i := range out {
		out[i] = w
	}
	return out
}
