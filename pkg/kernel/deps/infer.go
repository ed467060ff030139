// Package deps infers dependencies between tools from their schemas and
// models step dependencies as an explicit, acyclic graph.
package deps

import (
	"sort"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
)

// MatchKind records the strongest evidence behind a match.
type MatchKind string

const (
	MatchExactName   MatchKind = "exact_name"
	MatchDescription MatchKind = "description"
)

// DefaultMinOverlap is the token-overlap score a description-only match must reach.
const DefaultMinOverlap = 0.3

// Options tune inference.
type Options struct {
	// MinOverlap is the Jaccard threshold for description-only matches.
	// Zero means DefaultMinOverlap.
	MinOverlap float64
}

// Match says that Tool's required Input is best supplied by Provider's Output.
type Match struct {
	Tool     string    `json:"tool"`
	Input    string    `json:"input"`
	Provider string    `json:"provider"`
	Output   string    `json:"output"`
	Kind     MatchKind `json:"kind"`
	TypeOK   bool      `json:"type_compatible"`
	Score    float64   `json:"score"`
}

// Infer finds, for every required input of every tool, the single best
// provider among the other tools. Candidates are scored by exact field name
// (2), type compatibility (1), and description-token overlap (0..1). Equal
// scores go to the lexicographically smallest provider name. Results are
// ordered by tool then input.
func Infer(tools []registry.NormalizedTool, idx registry.Indexes, opts Options) []Match {
	minOverlap := opts.MinOverlap
	if minOverlap <= 0 {
		minOverlap = DefaultMinOverlap
	}

	providers := make([]*registry.NormalizedTool, 0, len(tools))
	for i := range tools {
		if len(tools[i].Outputs) > 0 {
			providers = append(providers, &tools[i])
		}
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })

	var out []Match
	for i := range tools {
		consumer := &tools[i]
		for _, in := range consumer.RequiredInputs() {
			inTokens := fieldTokens(in)
			var best *Match
			// Exact-name providers come straight from the index; others need
			// the token scan.
			exact := map[string]bool{}
			for _, name := range idx.Providers(in.Name) {
				exact[name] = true
			}
			for _, p := range providers {
				if p.Name == consumer.Name {
					continue
				}
				m, ok := bestOutput(consumer.Name, in, inTokens, p, exact[p.Name], minOverlap)
				if !ok {
					continue
				}
				// providers are sorted, so strict > keeps the smallest name on ties.
				if best == nil || m.Score > best.Score {
					mm := m
					best = &mm
				}
			}
			if best != nil {
				out = append(out, *best)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tool != out[j].Tool {
			return out[i].Tool < out[j].Tool
		}
		return out[i].Input < out[j].Input
	})
	return out
}

func bestOutput(consumer string, in registry.Field, inTokens []string, p *registry.NormalizedTool, hasExact bool, minOverlap float64) (Match, bool) {
	var best Match
	found := false
	canon := registry.CanonicalName(in.Name)
	for _, o := range p.Outputs {
		nameMatch := hasExact && registry.CanonicalName(o.Name) == canon
		overlap := registry.Overlap(inTokens, fieldTokens(o))
		if !nameMatch && overlap < minOverlap {
			continue
		}
		typeOK := registry.TypesCompatible(o.Type, in.Type)
		score := overlap
		kind := MatchDescription
		if nameMatch {
			score += 2
			kind = MatchExactName
		}
		if typeOK {
			score++
		}
		if !found || score > best.Score {
			best = Match{
				Tool:     consumer,
				Input:    in.Name,
				Provider: p.Name,
				Output:   o.Name,
				Kind:     kind,
				TypeOK:   typeOK,
				Score:    score,
			}
			found = true
		}
	}
	return best, found
}

func fieldTokens(f registry.Field) []string {
	return registry.Tokenize(f.Name + " " + f.Description)
}

// Adjacency collapses matches into tool -> sorted unique providers.
func Adjacency(matches []Match) map[string][]string {
	adj := map[string][]string{}
	for _, m := range matches {
		list := adj[m.Tool]
		dup := false
		for _, p := range list {
			if p == m.Provider {
				dup = true
				break
			}
		}
		if !dup {
			adj[m.Tool] = append(list, m.Provider)
		}
	}
	for k := range adj {
		sort.Strings(adj[k])
	}
	return adj
}

// WireEdges converts matches to the event payload form, ordered by tool.
func WireEdges(matches []Match) []events.DependencyEdge {
	adj := Adjacency(matches)
	tools := make([]string, 0, len(adj))
	for t := range adj {
		tools = append(tools, t)
	}
	sort.Strings(tools)
	out := make([]events.DependencyEdge, 0, len(tools))
	for _, t := range tools {
		out = append(out, events.DependencyEdge{Tool: t, DependsOn: adj[t]})
	}
	return out
}
