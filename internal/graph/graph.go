// Package graph builds the dependency ordering a reconciliation pass
// executes in. Services are grouped into tiers: everything in tier N
// depends only on services in tiers below N, so a tier can be worked on
// concurrently once the previous tier is ready.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/brianjlehnen/dockmaster/stack"
)

// CycleError reports a dependency cycle. Cycle holds every member in
// dependency order; the rendered message closes the loop so the operator
// can see exactly which edge to cut.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	loop := append(append([]string{}, e.Cycle...), e.Cycle[0])
	return "dependency cycle: " + strings.Join(loop, " → ")
}

// Graph is the immutable dependency view of one desired state.
type Graph struct {
	deps       map[string][]string // direct dependencies, sorted
	dependents map[string][]string // direct dependents, sorted
	tiers      [][]string
}

// Build constructs the graph for state. It fails with a *CycleError if the
// dependency relation is not a DAG. Unknown dependency targets are skipped
// here; the loader has already rejected them.
func Build(state stack.DesiredState) (*Graph, error) {
	g := &Graph{
		deps:       make(map[string][]string, len(state.Services)),
		dependents: make(map[string][]string, len(state.Services)),
	}

	names := state.Names()
	for _, name := range names {
		g.dependents[name] = nil
	}
	for _, name := range names {
		var deps []string
		for _, d := range state.Services[name].DependsOn {
			if _, ok := state.Services[d]; !ok {
				continue
			}
			deps = append(deps, d)
			g.dependents[d] = append(g.dependents[d], name)
		}
		sort.Strings(deps)
		g.deps[name] = deps
	}
	for name := range g.dependents {
		sort.Strings(g.dependents[name])
	}

	if cycle := detectCycle(names, g.deps); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	g.tiers = computeTiers(names, g.deps, g.dependents)
	return g, nil
}

// Tiers returns the services grouped by dependency depth, dependencies
// first. Names within a tier are sorted, so the plan order for a given
// state is always the same.
func (g *Graph) Tiers() [][]string {
	return g.tiers
}

// ReverseTiers returns the tiers in teardown order, dependents first.
func (g *Graph) ReverseTiers() [][]string {
	out := make([][]string, len(g.tiers))
	for i, tier := range g.tiers {
		out[len(g.tiers)-1-i] = tier
	}
	return out
}

// Dependencies returns the direct dependencies of name, sorted.
func (g *Graph) Dependencies(name string) []string {
	return g.deps[name]
}

// Dependents returns the direct dependents of name, sorted.
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}

// TransitiveDependents returns every service that directly or indirectly
// depends on name, sorted. A failure of name blocks exactly this set.
func (g *Graph) TransitiveDependents(name string) []string {
	seen := map[string]bool{}
	queue := append([]string{}, g.dependents[name]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, g.dependents[n]...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// detectCycle walks the dependency edges with DFS and returns the members
// of the first cycle found in deterministic order, or nil if the graph is
// acyclic.
func detectCycle(names []string, deps map[string][]string) []string {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)

	state := make(map[string]int, len(names))
	parent := make(map[string]string, len(names))

	var dfs func(name string) []string
	dfs = func(name string) []string {
		state[name] = visiting

		for _, target := range deps[name] {
			switch state[target] {
			case visiting:
				// Found a cycle. Build the path back from here.
				path := []string{target, name}
				for cur := name; cur != target; {
					cur = parent[cur]
					path = append(path, cur)
				}
				// Reverse into dependency order, then drop the
				// duplicated entry point.
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path[:len(path)-1]
			case unvisited:
				parent[target] = name
				if cycle := dfs(target); cycle != nil {
					return cycle
				}
			}
		}

		state[name] = visited
		return nil
	}

	for _, name := range names {
		if state[name] == unvisited {
			if cycle := dfs(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeTiers runs Kahn's algorithm over the acyclic graph, keeping each
// generation sorted by name.
func computeTiers(names []string, deps, dependents map[string][]string) [][]string {
	indegree := make(map[string]int, len(names))
	var ready []string
	for _, name := range names {
		indegree[name] = len(deps[name])
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var tiers [][]string
	for len(ready) > 0 {
		tier := ready
		tiers = append(tiers, tier)
		ready = nil
		for _, name := range tier {
			for _, dep := range dependents[name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
		sort.Strings(ready)
	}
	return tiers
}

// String renders the tier structure for logs and explain output, one tier
// per line.
func (g *Graph) String() string {
	var b strings.Builder
	for i, tier := range g.tiers {
		fmt.Fprintf(&b, "tier %d: %s\n", i, strings.Join(tier, ", "))
	}
	return b.String()
}
