// Package rules implements the diagnostic rule engine. A rule is a pure,
// stateless check over either a normalized tool (static) or an observed
// execution (behavioral).
package rules

import (
	"fmt"
	"sort"

	"github.com/ormasoftchile/syrin/pkg/kernel/deps"
	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Kind says which context a rule consumes.
type Kind string

const (
	KindStatic     Kind = "static"
	KindBehavioral Kind = "behavioral"
)

// Diagnostic is one finding. (Code, Tool, Field) identifies it.
type Diagnostic struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Tool     string   `json:"tool"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
}

// Key is the identity used for deduplication and set comparison.
func (d Diagnostic) Key() string { return d.Code + "|" + d.Tool + "|" + d.Field }

// Event is the DIAGNOSTIC_RAISED payload for d.
func (d Diagnostic) Event() events.DiagnosticRaised {
	return events.DiagnosticRaised{
		Code:     d.Code,
		Severity: string(d.Severity),
		Tool:     d.Tool,
		Field:    d.Field,
		Message:  d.Message,
	}
}

func (d Diagnostic) String() string {
	if d.Field != "" {
		return fmt.Sprintf("%s [%s] %s.%s: %s", d.Code, d.Severity, d.Tool, d.Field, d.Message)
	}
	return fmt.Sprintf("%s [%s] %s: %s", d.Code, d.Severity, d.Tool, d.Message)
}

// Info describes a rule for catalogs and help output.
type Info struct {
	Code     string   `json:"code"`
	Title    string   `json:"title"`
	Severity Severity `json:"severity"`
	Kind     Kind     `json:"kind"`
	Fix      string   `json:"fix,omitempty"`
}

// Rule is a check over context C.
type Rule[C any] interface {
	Info() Info
	Check(C) []Diagnostic
}

// StaticContext is what a static rule sees for one tool.
type StaticContext struct {
	Tool    *registry.NormalizedTool
	Indexes registry.Indexes
	// Dependencies holds every inferred match across the registry.
	Dependencies []deps.Match
	// Cycles holds every dependency cycle across the registry.
	Cycles [][]string
}

// ExecutionError is one error observed while running a tool.
type ExecutionError struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// ExecutionContext is what a behavioral rule sees for one execution.
type ExecutionContext struct {
	Tool            string           `json:"tool"`
	TimedOut        bool             `json:"timed_out"`
	DeclaredTimeout string           `json:"declared_timeout,omitempty"`
	ActualTimeoutMs int64            `json:"actual_timeout_ms,omitempty"`
	Errors          []ExecutionError `json:"errors,omitempty"`

	// Output is the structured result, when the tool returned one.
	Output       any            `json:"output,omitempty"`
	OutputSchema map[string]any `json:"-"`
	OutputBytes  int            `json:"output_bytes,omitempty"`
	// MaxOutputBytes bounds OutputBytes; zero disables the check.
	MaxOutputBytes int `json:"max_output_bytes,omitempty"`
}

type ruleFunc[C any] struct {
	info Info
	fn   func(C) []Diagnostic
}

func (r ruleFunc[C]) Info() Info             { return r.info }
func (r ruleFunc[C]) Check(c C) []Diagnostic { return r.fn(c) }

// NewStatic builds a static rule from a function.
func NewStatic(info Info, fn func(StaticContext) []Diagnostic) Rule[StaticContext] {
	info.Kind = KindStatic
	return ruleFunc[StaticContext]{info: info, fn: fn}
}

// NewBehavioral builds a behavioral rule from a function.
func NewBehavioral(info Info, fn func(ExecutionContext) []Diagnostic) Rule[ExecutionContext] {
	info.Kind = KindBehavioral
	return ruleFunc[ExecutionContext]{info: info, fn: fn}
}

// Engine holds the registered rules. Rules never see each other's output.
type Engine struct {
	static     []Rule[StaticContext]
	behavioral []Rule[ExecutionContext]
}

// NewEngine returns an engine with no rules.
func NewEngine() *Engine { return &Engine{} }

// Default returns an engine with every built-in rule.
func Default() *Engine {
	e := NewEngine()
	for _, r := range StaticRules() {
		e.RegisterStatic(r)
	}
	for _, r := range BehavioralRules() {
		e.RegisterBehavioral(r)
	}
	return e
}

// RegisterStatic adds a static rule.
func (e *Engine) RegisterStatic(r Rule[StaticContext]) { e.static = append(e.static, r) }

// RegisterBehavioral adds a behavioral rule.
func (e *Engine) RegisterBehavioral(r Rule[ExecutionContext]) {
	e.behavioral = append(e.behavioral, r)
}

// RunStatic evaluates every static rule against one tool.
func (e *Engine) RunStatic(ctx StaticContext) []Diagnostic {
	var out []Diagnostic
	for _, r := range e.static {
		out = append(out, stamp(r.Info(), r.Check(ctx))...)
	}
	return out
}

// RunBehavioral evaluates every behavioral rule against one execution.
func (e *Engine) RunBehavioral(ctx ExecutionContext) []Diagnostic {
	var out []Diagnostic
	for _, r := range e.behavioral {
		out = append(out, stamp(r.Info(), r.Check(ctx))...)
	}
	return out
}

// stamp fills in code and severity a rule left blank.
func stamp(info Info, diags []Diagnostic) []Diagnostic {
	for i := range diags {
		if diags[i].Code == "" {
			diags[i].Code = info.Code
		}
		if diags[i].Severity == "" {
			diags[i].Severity = info.Severity
		}
	}
	return diags
}

// Catalog lists every registered rule ordered by code.
func (e *Engine) Catalog() []Info {
	var out []Info
	for _, r := range e.static {
		out = append(out, r.Info())
	}
	for _, r := range e.behavioral {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Dedupe drops repeated (code, tool, field) diagnostics, keeping the first.
func Dedupe(diags []Diagnostic) []Diagnostic {
	seen := map[string]bool{}
	out := diags[:0:0]
	for _, d := range diags {
		if seen[d.Key()] {
			continue
		}
		seen[d.Key()] = true
		out = append(out, d)
	}
	return out
}

// Sort orders diagnostics by tool, code, then field for stable display.
func Sort(diags []Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		a, b := diags[i], diags[j]
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Field < b.Field
	})
}

// Partition splits diagnostics by severity.
func Partition(diags []Diagnostic) (errs, warnings []Diagnostic) {
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		} else {
			warnings = append(warnings, d)
		}
	}
	return errs, warnings
}
