// Package diagram renders tool dependency graphs and workflow runs.
// Supports Mermaid flowchart and ASCII formats.
package diagram

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/syrin/pkg/kernel/deps"
	"github.com/ormasoftchile/syrin/pkg/kernel/workflow"
)

// Format represents the output diagram format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// Node is one box in the diagram: a tool or a workflow step.
type Node struct {
	ID       string
	Label    string
	Detail   string // tool a step runs
	State    string // workflow step state, empty for tools
	Optional bool
}

// Edge points from a prerequisite to the node that needs it.
type Edge struct {
	From  string
	To    string
	Label string
	Weak  bool // inferred from descriptions only
}

// Graph is the renderable model.
type Graph struct {
	Title string
	Nodes []Node
	Edges []Edge
}

// Dependencies builds the graph of inferred tool dependencies.
func Dependencies(title string, tools []string, matches []deps.Match) *Graph {
	g := &Graph{Title: title}
	names := slices.Clone(tools)
	sort.Strings(names)
	for _, name := range names {
		g.Nodes = append(g.Nodes, Node{ID: name, Label: name})
	}
	for _, m := range matches {
		label := m.Output
		if m.Output != m.Input {
			label = m.Output + " → " + m.Input
		}
		g.Edges = append(g.Edges, Edge{
			From:  m.Provider,
			To:    m.Tool,
			Label: label,
			Weak:  m.Kind == deps.MatchDescription,
		})
	}
	return g
}

// Workflow builds the graph of a workflow run, with step states.
func Workflow(s workflow.Snapshot) *Graph {
	g := &Graph{Title: s.Name}
	for _, st := range s.Steps {
		label := st.Name
		if label == "" {
			label = string(st.ID)
		}
		g.Nodes = append(g.Nodes, Node{
			ID:       string(st.ID),
			Label:    label,
			Detail:   st.Tool,
			State:    string(st.State),
			Optional: !st.Required,
		})
		for _, d := range st.DependsOn {
			g.Edges = append(g.Edges, Edge{From: string(d), To: string(st.ID)})
		}
	}
	return g
}

// Generate produces a diagram string from g.
func Generate(g *Graph, format Format) (string, error) {
	if g == nil {
		return "", fmt.Errorf("nil graph")
	}
	switch format {
	case FormatMermaid:
		return generateMermaid(g), nil
	case FormatASCII:
		return generateASCII(g), nil
	default:
		return "", fmt.Errorf("unsupported diagram format: %s", format)
	}
}

// --- Mermaid flowchart ---

func generateMermaid(g *Graph) string {
	var b strings.Builder
	if g.Title != "" {
		b.WriteString("---\ntitle: " + g.Title + "\n---\n")
	}
	b.WriteString("flowchart LR\n")

	for _, n := range layered(g) {
		b.WriteString("    " + nodeDefinition(n) + "\n")
	}
	for _, e := range g.Edges {
		arrow := "-->"
		if e.Weak {
			arrow = "-.->"
		}
		if e.Label != "" {
			fmt.Fprintf(&b, "    %s %s|%q| %s\n", safeID(e.From), arrow, escMermaid(e.Label), safeID(e.To))
		} else {
			fmt.Fprintf(&b, "    %s %s %s\n", safeID(e.From), arrow, safeID(e.To))
		}
	}
	for _, n := range g.Nodes {
		if style := stateStyle(n.State); style != "" {
			fmt.Fprintf(&b, "    style %s %s\n", safeID(n.ID), style)
		}
	}
	return b.String()
}

func nodeDefinition(n Node) string {
	text := escMermaid(n.Label)
	if n.Detail != "" && n.Detail != n.Label {
		text += "<br/>" + escMermaid(n.Detail)
	}
	if n.State != "" {
		text = stateIcon(n.State) + " " + text
	}
	if n.Optional {
		return fmt.Sprintf(`%s(["%s"])`, safeID(n.ID), text)
	}
	return fmt.Sprintf(`%s["%s"]`, safeID(n.ID), text)
}

func stateStyle(state string) string {
	switch workflow.State(state) {
	case workflow.StateCompleted:
		return "fill:#0d6,stroke:#0a5,color:#fff"
	case workflow.StateFailed:
		return "fill:#d33,stroke:#a11,color:#fff"
	case workflow.StateBlocked:
		return "fill:#e60,stroke:#c40,color:#fff"
	case workflow.StateSkipped:
		return "fill:#888,stroke:#666,color:#fff"
	case workflow.StateStarted:
		return "fill:#07a,stroke:#058,color:#fff"
	default:
		return ""
	}
}

func stateIcon(state string) string {
	switch workflow.State(state) {
	case workflow.StateCompleted:
		return "✓"
	case workflow.StateFailed:
		return "✗"
	case workflow.StateBlocked:
		return "⊘"
	case workflow.StateSkipped:
		return "↷"
	case workflow.StateStarted:
		return "▶"
	case workflow.StatePending:
		return "○"
	default:
		return "●"
	}
}

// --- ASCII ---

func generateASCII(g *Graph) string {
	var b strings.Builder

	name := g.Title
	if name == "" {
		name = "Graph"
	}
	nodes := layered(g)
	if len(nodes) == 0 {
		b.WriteString(name + " (empty)\n")
		return b.String()
	}

	from := map[string][]string{}
	for _, e := range g.Edges {
		src := e.From
		if e.Label != "" {
			src += " (" + e.Label + ")"
		}
		from[e.To] = append(from[e.To], src)
	}

	boxes := make([][]string, len(nodes))
	for i, n := range nodes {
		boxes[i] = boxLines(n, from[n.ID])
	}

	// Uniform width so every box and connector aligns.
	const indent = 4
	width := runewidth.StringWidth(name) + 4
	for _, lines := range boxes {
		for _, l := range lines {
			if w := runewidth.StringWidth(l); w > width {
				width = w
			}
		}
	}
	if width%2 == 0 {
		width++
	}
	mid := width / 2
	pad := strings.Repeat(" ", indent)
	connPad := strings.Repeat(" ", indent+1+mid)

	b.WriteString(pad + "╔" + strings.Repeat("═", width) + "╗\n")
	b.WriteString(pad + "║" + centerPad(name, width) + "║\n")
	b.WriteString(pad + "╚" + strings.Repeat("═", mid) + "╤" + strings.Repeat("═", width-mid-1) + "╝\n")

	for i, lines := range boxes {
		b.WriteString(connPad + "│\n")
		b.WriteString(pad + "┌" + strings.Repeat("─", mid) + "┴" + strings.Repeat("─", width-mid-1) + "┐\n")
		for _, l := range lines {
			b.WriteString(pad + "│" + l + strings.Repeat(" ", width-runewidth.StringWidth(l)) + "│\n")
		}
		if i < len(boxes)-1 {
			b.WriteString(pad + "└" + strings.Repeat("─", mid) + "┬" + strings.Repeat("─", width-mid-1) + "┘\n")
		} else {
			b.WriteString(pad + "└" + strings.Repeat("─", width) + "┘\n")
		}
	}
	return b.String()
}

func boxLines(n Node, from []string) []string {
	label := n.Label
	if n.Optional {
		label += " (optional)"
	}
	lines := []string{" " + stateIcon(n.State) + " " + label + " "}
	if n.Detail != "" && n.Detail != n.Label {
		lines = append(lines, "   "+n.Detail+" ")
	}
	if n.State != "" {
		lines = append(lines, "   "+n.State+" ")
	}
	for _, f := range from {
		lines = append(lines, "   ← "+f+" ")
	}
	return lines
}

// layered orders nodes so every node follows its prerequisites, keeping the
// input order within a layer. Nodes on a cycle come last, in input order.
func layered(g *Graph) []Node {
	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		index[n.ID] = i
	}
	indeg := make([]int, len(g.Nodes))
	next := make([][]int, len(g.Nodes))
	for _, e := range g.Edges {
		f, okf := index[e.From]
		t, okt := index[e.To]
		if !okf || !okt || f == t {
			continue
		}
		next[f] = append(next[f], t)
		indeg[t]++
	}

	out := make([]Node, 0, len(g.Nodes))
	placed := make([]bool, len(g.Nodes))
	var layer []int
	for i := range g.Nodes {
		if indeg[i] == 0 {
			layer = append(layer, i)
		}
	}
	for len(layer) > 0 {
		var following []int
		for _, i := range layer {
			out = append(out, g.Nodes[i])
			placed[i] = true
			for _, t := range next[i] {
				if indeg[t]--; indeg[t] == 0 {
					following = append(following, t)
				}
			}
		}
		sort.Ints(following)
		layer = following
	}
	for i, n := range g.Nodes {
		if !placed[i] {
			out = append(out, n)
		}
	}
	return out
}

// centerPad centers s within width using spaces, based on display width.
func centerPad(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	total := width - sw
	left := total / 2
	right := total - left
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", right)
}

// --- string helpers ---

func safeID(id string) string {
	r := strings.NewReplacer("-", "_", " ", "_", ".", "_", "/", "_")
	return r.Replace(id)
}

func escMermaid(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, `'`, "#apos;")
	return s
}
