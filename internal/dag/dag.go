// Package dag builds and validates the pipeline dependency graph. Each
// ref() call in a pipeline's SQL names an upstream table; the graph over
// those edges must stay acyclic or a set of pipelines can never reach a
// consistent state no matter what order they run in.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/brinkfield/lakeforge/internal/templating"
)

// Ref uniquely identifies a pipeline in the graph.
type Ref struct {
	Namespace string
	Layer     string
	Name      string
}

func (r Ref) String() string { return r.Namespace + "." + r.Layer + "." + r.Name }

// Source is a pipeline with its SQL body, the unit of graph analysis.
type Source struct {
	Namespace string
	Layer     string
	Name      string
	SQL       string
}

// Graph is an adjacency list from pipeline to its upstream dependencies.
type Graph map[Ref]map[Ref]bool

// Build extracts ref() calls from every pipeline and resolves them to Ref
// keys: two-part "layer.name" references take defaultNamespace, three-part
// references carry their own. Malformed references are skipped.
func Build(pipelines []Source, defaultNamespace string) Graph {
	g := make(Graph, len(pipelines))
	for _, p := range pipelines {
		key := Ref{Namespace: p.Namespace, Layer: p.Layer, Name: p.Name}
		deps := make(map[Ref]bool)
		for _, ref := range templating.ExtractDependencies(p.SQL) {
			parts := strings.SplitN(ref, ".", 3)
			switch len(parts) {
			case 2:
				deps[Ref{Namespace: defaultNamespace, Layer: parts[0], Name: parts[1]}] = true
			case 3:
				deps[Ref{Namespace: parts[0], Layer: parts[1], Name: parts[2]}] = true
			}
		}
		g[key] = deps
	}
	return g
}

// node colors for the cycle-detection DFS.
const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // fully explored
)

// DetectCycles returns one dependency cycle per back edge found by a
// depth-first walk of the graph, each as the closed path of Refs forming
// the loop. Dependencies on pipelines outside
// the graph (external tables) are ignored.
func DetectCycles(g Graph) [][]Ref {
	color := make(map[Ref]int, len(g))
	parent := make(map[Ref]Ref)
	var cycles [][]Ref

	var visit func(node Ref)
	visit = func(node Ref) {
		color[node] = gray
		for dep := range g[node] {
			if _, inGraph := g[dep]; !inGraph {
				continue
			}
			switch color[dep] {
			case gray:
				cycles = append(cycles, reconstruct(node, dep, parent))
			case white:
				parent[dep] = node
				visit(dep)
			}
		}
		color[node] = black
	}

	for _, node := range sortedNodes(g) {
		if color[node] == white {
			visit(node)
		}
	}
	return cycles
}

// reconstruct walks parent links from current back to target, returning
// the cycle as [target ... current target].
func reconstruct(current, target Ref, parent map[Ref]Ref) []Ref {
	path := []Ref{current}
	seen := map[Ref]bool{current: true}
	node := current
	for node != target {
		p, ok := parent[node]
		if !ok || seen[p] {
			break
		}
		path = append(path, p)
		seen[p] = true
		node = p
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return append(path, target)
}

// Validate builds the graph and returns one human-readable error per
// detected cycle; an empty slice means the pipeline set is runnable.
func Validate(pipelines []Source, defaultNamespace string) []string {
	cycles := DetectCycles(Build(pipelines, defaultNamespace))
	errs := make([]string, 0, len(cycles))
	for _, cycle := range cycles {
		parts := make([]string, len(cycle))
		for i, n := range cycle {
			parts[i] = n.String()
		}
		errs = append(errs, fmt.Sprintf("circular dependency detected: %s", strings.Join(parts, " -> ")))
	}
	return errs
}

// TopoSort returns the graph's pipelines in dependency order (upstreams
// first), or an error if the graph has a cycle. Order is deterministic:
// ties break lexicographically.
func TopoSort(g Graph) ([]Ref, error) {
	if cycles := DetectCycles(g); len(cycles) > 0 {
		return nil, fmt.Errorf("graph has %d cycle(s); first: %s", len(cycles), formatCycle(cycles[0]))
	}

	indegree := make(map[Ref]int, len(g))
	dependents := make(map[Ref][]Ref, len(g))
	for node, deps := range g {
		if _, ok := indegree[node]; !ok {
			indegree[node] = 0
		}
		for dep := range deps {
			if _, inGraph := g[dep]; !inGraph {
				continue
			}
			indegree[node]++
			dependents[dep] = append(dependents[dep], node)
		}
	}

	var ready []Ref
	for node, n := range indegree {
		if n == 0 {
			ready = append(ready, node)
		}
	}
	sortRefs(ready)

	out := make([]Ref, 0, len(g))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		out = append(out, node)

		var unblocked []Ref
		for _, dependent := range dependents[node] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unblocked = append(unblocked, dependent)
			}
		}
		sortRefs(unblocked)
		ready = append(ready, unblocked...)
	}
	return out, nil
}

// Ancestors returns every transitive upstream of node within the graph.
func Ancestors(g Graph, node Ref) []Ref {
	seen := make(map[Ref]bool)
	var walk func(Ref)
	walk = func(n Ref) {
		for dep := range g[n] {
			if _, inGraph := g[dep]; !inGraph || seen[dep] {
				continue
			}
			seen[dep] = true
			walk(dep)
		}
	}
	walk(node)

	out := make([]Ref, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sortRefs(out)
	return out
}

func formatCycle(cycle []Ref) string {
	parts := make([]string, len(cycle))
	for i, n := range cycle {
		parts[i] = n.String()
	}
	return strings.Join(parts, " -> ")
}

func sortedNodes(g Graph) []Ref {
	nodes := make([]Ref, 0, len(g))
	for n := range g {
		nodes = append(nodes, n)
	}
	sortRefs(nodes)
	return nodes
}

func sortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
}
