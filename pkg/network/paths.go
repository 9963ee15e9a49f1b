package network

import (
	"fmt"
	"slices"
)

// Path is a simple path given as link indices in traversal order.
type Path []int

// Hops returns the number of links on the path.
func (p Path) Hops() int { return len(p) }

// Contains reports whether the path uses link index l.
func (p Path) Contains(l int) bool { return slices.Contains(p, l) }

// Nodes expands the path into its node sequence.
func (p Path) Nodes(g *Graph) []NodeID {
	if len(p) == 0 {
		return nil
	}
	out := make([]NodeID, 0, len(p)+1)
	out = append(out, g.links[p[0]].From)
	for _, l := range p {
		out = append(out, g.links[l].To)
	}
	return out
}

// SimplePaths enumerates every simple path from c.Source to c.Destination
// with at most maxHops links (maxHops <= 0 means unbounded). Paths are
// returned in depth-first discovery order, which follows link order, so the
// result is deterministic. ErrNoBackupPath is returned when none exists.
func SimplePaths(g *Graph, c Commodity, maxHops int) ([]Path, error) {
	src, ok := g.nodeIndex[c.Source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCommodity, c)
	}
	dst, ok := g.nodeIndex[c.Destination]
	if !ok || src == dst {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCommodity, c)
	}
	if maxHops <= 0 {
		maxHops = len(g.nodes) - 1
	}

	onPath := make([]bool, len(g.nodes))
	stack := make([]int, 0, maxHops)
	var paths []Path

	var visit func(node int)
	visit = func(node int) {
		if node == dst {
			paths = append(paths, slices.Clone(Path(stack)))
			return
		}
		if len(stack) == maxHops {
			return
		}
		onPath[node] = true
		for _, li := range g.out[node] {
			next := g.nodeIndex[g.links[li].To]
			if onPath[next] {
				continue
			}
			stack = append(stack, li)
			visit(next)
			stack = stack[:len(stack)-1]
		}
		onPath[node] = false
	}
	visit(src)

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s within %d hops", ErrNoBackupPath, c, maxHops)
	}
	return paths, nil
}

// Reachable reports whether dst can be reached from src.
func Reachable(g *Graph, src, dst NodeID) bool {
	s, ok := g.nodeIndex[src]
	if !ok {
		return false
	}
	d, ok := g.nodeIndex[dst]
	if !ok {
		return false
	}
	seen := make([]bool, len(g.nodes))
	queue := []int{s}
	seen[s] = true
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == d {
			return true
		}
		for _, li := range g.out[n] {
			next := g.nodeIndex[g.links[li].To]
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
