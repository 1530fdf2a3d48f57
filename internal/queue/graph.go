package queue

import (
	"fmt"
	"sort"
)

// hasCycle runs a depth-first search over the dependency edges and
// reports the first cycle found, as a path of task ids.
func hasCycle(adj map[string][]string) ([]string, bool) {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(adj))

	// Deterministic traversal order keeps cycle reports stable.
	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	var path []string
	var walk func(n string) bool
	walk = func(n string) bool {
		color[n] = grey
		path = append(path, n)
		for _, dep := range adj[n] {
			switch color[dep] {
			case grey:
				path = append(path, dep)
				return true
			case white:
				if walk(dep) {
					return true
				}
			}
		}
		color[n] = black
		path = path[:len(path)-1]
		return false
	}

	for _, n := range nodes {
		if color[n] == white {
			if walk(n) {
				return path, true
			}
		}
	}
	return nil, false
}

// topoOrder returns all node ids in dependency order (dependencies before
// dependents) or an error if the graph is cyclic. Kahn's algorithm with a
// sorted frontier for determinism.
func topoOrder(adj map[string][]string) ([]string, error) {
	indeg := make(map[string]int, len(adj))
	dependents := make(map[string][]string, len(adj))
	for n := range adj {
		indeg[n] += 0
	}
	for n, deps := range adj {
		for _, dep := range deps {
			indeg[n]++
			dependents[dep] = append(dependents[dep], n)
		}
	}

	var frontier []string
	for n, d := range indeg {
		if d == 0 {
			frontier = append(frontier, n)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(adj))
	for len(frontier) > 0 {
		n := frontier[0]
		frontier = frontier[1:]
		order = append(order, n)

		var freed []string
		for _, dep := range dependents[n] {
			indeg[dep]--
			if indeg[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Strings(freed)
		frontier = append(frontier, freed...)
	}

	if len(order) != len(adj) {
		return nil, fmt.Errorf("%w: %d of %d tasks unreachable in topological order",
			ErrCycleDetected, len(adj)-len(order), len(adj))
	}
	return order, nil
}
