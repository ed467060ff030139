package deps

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ErrCycle is matched by every *CycleError.
var ErrCycle = errors.New("dependency cycle")

// CycleError reports a dependency cycle. Path starts and ends on the same node.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// Graph is an immutable DAG over named nodes, stored as an arena of names
// with index-based adjacency lists.
type Graph struct {
	names      []string
	index      map[string]int
	deps       [][]int // node -> nodes it depends on
	dependents [][]int // node -> nodes depending on it
	order      []int
}

// NewGraph builds the graph and rejects cycles. Node order fixes the
// tie-break of TopoOrder. Edges naming unknown nodes are errors.
func NewGraph(nodes []string, edges map[string][]string) (*Graph, error) {
	g := &Graph{
		names: make([]string, 0, len(nodes)),
		index: make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		if _, dup := g.index[n]; dup {
			return nil, fmt.Errorf("duplicate node %q", n)
		}
		g.index[n] = len(g.names)
		g.names = append(g.names, n)
	}
	g.deps = make([][]int, len(g.names))
	g.dependents = make([][]int, len(g.names))

	for _, from := range nodes {
		for _, to := range edges[from] {
			fi := g.index[from]
			ti, ok := g.index[to]
			if !ok {
				return nil, fmt.Errorf("node %q depends on unknown node %q", from, to)
			}
			if slices.Contains(g.deps[fi], ti) {
				continue
			}
			g.deps[fi] = append(g.deps[fi], ti)
			g.dependents[ti] = append(g.dependents[ti], fi)
		}
	}
	for from := range edges {
		if _, ok := g.index[from]; !ok {
			return nil, fmt.Errorf("edge from unknown node %q", from)
		}
	}

	order, ok := g.kahn()
	if !ok {
		return nil, &CycleError{Path: g.cyclePath()}
	}
	g.order = order
	return g, nil
}

func (g *Graph) kahn() ([]int, bool) {
	indeg := make([]int, len(g.names))
	for i := range g.names {
		indeg[i] = len(g.deps[i])
	}
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, len(g.names))
	for len(ready) > 0 {
		sort.Ints(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, m := range g.dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	return order, len(order) == len(g.names)
}

// cyclePath finds one cycle by DFS; only called when kahn failed.
func (g *Graph) cyclePath() []string {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.names))
	var stack []int
	var found []int

	var visit func(n int) bool
	visit = func(n int) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, m := range g.deps[n] {
			switch color[m] {
			case grey:
				for i, s := range stack {
					if s == m {
						found = append(append([]int{}, stack[i:]...), m)
						return true
					}
				}
			case white:
				if visit(m) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}
	for i := range g.names {
		if color[i] == white && visit(i) {
			break
		}
	}
	path := make([]string, len(found))
	for i, n := range found {
		path[i] = g.names[n]
	}
	return path
}

// Nodes returns node names in definition order.
func (g *Graph) Nodes() []string { return append([]string(nil), g.names...) }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.names) }

// Has reports whether name is a node.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// DependsOn returns the direct dependencies of name.
func (g *Graph) DependsOn(name string) []string { return g.namesOf(g.deps, name) }

// Dependents returns the nodes that directly depend on name.
func (g *Graph) Dependents(name string) []string { return g.namesOf(g.dependents, name) }

func (g *Graph) namesOf(adj [][]int, name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	out := make([]string, len(adj[i]))
	for k, n := range adj[i] {
		out[k] = g.names[n]
	}
	return out
}

// TopoOrder returns nodes with every dependency before its dependents. Among
// ready nodes, definition order wins.
func (g *Graph) TopoOrder() []string {
	out := make([]string, len(g.order))
	for i, n := range g.order {
		out[i] = g.names[n]
	}
	return out
}

// FindCycles reports every strongly connected component that forms a cycle,
// without failing. Each cycle is returned sorted; cycles are ordered by their
// first member.
func FindCycles(adj map[string][]string) [][]string {
	nodes := map[string]bool{}
	for from, tos := range adj {
		nodes[from] = true
		for _, t := range tos {
			nodes[t] = true
		}
	}
	names := make([]string, 0, len(nodes))
	for n := range nodes {
		names = append(names, n)
	}
	sort.Strings(names)

	// Tarjan's SCC.
	index := map[string]int{}
	low := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var cycles [][]string
	next := 0

	var strong func(v string)
	strong = func(v string) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, w := range adj[v] {
			if _, seen := index[w]; !seen {
				strong(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}
		if low[v] != index[v] {
			return
		}
		var comp []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		if len(comp) > 1 || slices.Contains(adj[v], v) {
			sort.Strings(comp)
			cycles = append(cycles, comp)
		}
	}
	for _, n := range names {
		if _, seen := index[n]; !seen {
			strong(n)
		}
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}
