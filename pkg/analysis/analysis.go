// Package analysis runs the full static pass over a tool registry: load,
// normalize, index, infer dependencies, then evaluate every rule.
package analysis

import (
	"context"
	"fmt"

	"github.com/ormasoftchile/syrin/pkg/kernel/deps"
	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
	"github.com/ormasoftchile/syrin/pkg/kernel/rules"
)

// ToolSource fetches raw tool definitions, typically from an MCP server.
type ToolSource interface {
	ListTools(ctx context.Context) ([]registry.RawTool, error)
}

// LoadError means the registry could not be fetched. The analysis run fails;
// the caller's session does not.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load tools: %v", e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// Verdict summarizes a result.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictWarn Verdict = "warn"
	VerdictFail Verdict = "fail"
)

// Options configure a run. The zero value uses the default engine.
type Options struct {
	Engine     *rules.Engine
	MinOverlap float64

	// Behavior holds observed executions to evaluate with behavioral rules.
	Behavior []rules.ExecutionContext

	// Recorder, when set, receives registry and diagnostic events.
	Recorder  recorder.Emitter
	SessionID events.SessionID
}

// Result is the outcome of one analysis pass.
type Result struct {
	Tools        []registry.NormalizedTool      `json:"tools"`
	Rejected     []*registry.NormalizationError `json:"rejected,omitempty"`
	Dependencies []deps.Match                   `json:"dependencies"`
	Cycles       [][]string                     `json:"cycles,omitempty"`
	Diagnostics  []rules.Diagnostic             `json:"diagnostics"`
	Errors       []rules.Diagnostic             `json:"errors"`
	Warnings     []rules.Diagnostic             `json:"warnings"`
	Verdict      Verdict                        `json:"verdict"`
}

// AnalyseTools fetches the registry from source and analyses it.
func AnalyseTools(ctx context.Context, source ToolSource, opts Options) (*Result, error) {
	raws, err := source.ListTools(ctx)
	if err != nil {
		if opts.Recorder != nil {
			opts.Recorder.Emit(opts.SessionID, events.RuntimeError{Component: "analysis", Error: err.Error()})
		}
		return nil, &LoadError{Err: err}
	}
	return Analyse(raws, opts), nil
}

// Analyse runs the pass over an already-fetched registry. Rules never
// short-circuit each other and a cycle never aborts the pass.
func Analyse(raws []registry.RawTool, opts Options) *Result {
	engine := opts.Engine
	if engine == nil {
		engine = rules.Default()
	}

	tools, rejected := registry.Normalize(raws)
	idx := registry.BuildIndexes(tools)
	matches := deps.Infer(tools, idx, deps.Options{MinOverlap: opts.MinOverlap})
	cycles := deps.FindCycles(deps.Adjacency(matches))

	res := &Result{
		Tools:        tools,
		Rejected:     rejected,
		Dependencies: matches,
		Cycles:       cycles,
	}
	for i := range tools {
		res.Diagnostics = append(res.Diagnostics, engine.RunStatic(rules.StaticContext{
			Tool:         &tools[i],
			Indexes:      idx,
			Dependencies: matches,
			Cycles:       cycles,
		})...)
	}
	for _, b := range opts.Behavior {
		if b.OutputSchema == nil {
			if t, ok := idx.Lookup(b.Tool); ok {
				b.OutputSchema = t.OutputSchema
			}
		}
		if b.DeclaredTimeout == "" {
			if t, ok := idx.Lookup(b.Tool); ok {
				b.DeclaredTimeout = t.DeclaredTimeout
			}
		}
		res.Diagnostics = append(res.Diagnostics, engine.RunBehavioral(b)...)
	}
	res.Diagnostics = rules.Dedupe(res.Diagnostics)
	rules.Sort(res.Diagnostics)
	res.Errors, res.Warnings = rules.Partition(res.Diagnostics)

	switch {
	case len(res.Errors) > 0:
		res.Verdict = VerdictFail
	case len(res.Warnings) > 0:
		res.Verdict = VerdictWarn
	default:
		res.Verdict = VerdictPass
	}

	if opts.Recorder != nil {
		emit(opts.Recorder, opts.SessionID, res)
	}
	return res
}

func emit(em recorder.Emitter, sid events.SessionID, res *Result) {
	registry.Register(em, sid, res.Tools, res.Rejected)
	em.Emit(sid, events.ToolDependenciesInferred{Edges: deps.WireEdges(res.Dependencies)})
	for _, d := range res.Diagnostics {
		em.Emit(sid, d.Event())
	}
}

// HasErrors reports whether the result should fail a CI gate.
func (r *Result) HasErrors() bool { return len(r.Errors) > 0 }
