// Package graph models dependency edges between named nodes (capabilities, services,
// resources) and answers ordering and reachability questions about them.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/anvil-platform/anvil-mgmt/internal/errdefs"
)

// DependencyGraph is a directed graph where an edge from -> to means "from depends on to".
//
// It is not safe for concurrent mutation; callers build a graph from a snapshot.
type DependencyGraph struct {
	nodes sets.Set[string]
	edges map[string]sets.Set[string]
}

func New() *DependencyGraph {
	return &DependencyGraph{
		nodes: sets.New[string](),
		edges: make(map[string]sets.Set[string]),
	}
}

func (g *DependencyGraph) AddNode(name string) {
	g.nodes.Insert(name)
}

// AddEdge records that from depends on to. Both nodes are added if missing.
func (g *DependencyGraph) AddEdge(from, to string) {
	g.nodes.Insert(from, to)
	deps, ok := g.edges[from]
	if !ok {
		deps = sets.New[string]()
		g.edges[from] = deps
	}
	deps.Insert(to)
}

func (g *DependencyGraph) Nodes() []string {
	return sets.List(g.nodes)
}

// DependenciesOf returns the direct dependencies of name in sorted order.
func (g *DependencyGraph) DependenciesOf(name string) []string {
	return sets.List(g.edges[name])
}

// DependentsOf returns the nodes with a direct edge to name, sorted.
func (g *DependencyGraph) DependentsOf(name string) []string {
	out := sets.New[string]()
	for from, deps := range g.edges {
		if deps.Has(name) {
			out.Insert(from)
		}
	}
	return sets.List(out)
}

// HasPath reports whether to is reachable from from by following dependency edges.
func (g *DependencyGraph) HasPath(from, to string) bool {
	if from == to {
		return true
	}
	visited := sets.New[string]()
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited.Has(cur) {
			continue
		}
		visited.Insert(cur)
		for _, next := range sets.List(g.edges[cur]) {
			if next == to {
				return true
			}
			stack = append(stack, next)
		}
	}
	return false
}

// TopologicalOrder returns every node with dependencies before their dependents.
// Ties are broken by name so the order is deterministic.
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, g.nodes.Len())
	dependents := make(map[string][]string, g.nodes.Len())
	for name := range g.nodes {
		indegree[name] = g.edges[name].Len()
		for dep := range g.edges[name] {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0)
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, g.nodes.Len())
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		released := false
		for _, dependent := range dependents[cur] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != g.nodes.Len() {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrCyclicDependency, strings.Join(g.cycle(), " -> "))
	}
	return order, nil
}

// ReverseTopologicalOrder returns dependents before their dependencies (teardown order).
func (g *DependencyGraph) ReverseTopologicalOrder() ([]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// cycle finds one cycle for diagnostics. It returns nil when the graph is acyclic.
func (g *DependencyGraph) cycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, g.nodes.Len())
	var path []string
	var found []string

	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = grey
		path = append(path, n)
		for _, next := range sets.List(g.edges[n]) {
			switch color[next] {
			case grey:
				for i := range path {
					if path[i] == next {
						found = append(append([]string{}, path[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return false
	}

	for _, n := range sets.List(g.nodes) {
		if color[n] == white && visit(n) {
			return found
		}
	}
	return nil
}
