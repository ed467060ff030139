package rules

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/ormasoftchile/syrin/pkg/kernel/deps"
	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
)

func diagf(tool, field, msg string, args ...any) Diagnostic {
	return Diagnostic{Tool: tool, Field: field, Message: fmt.Sprintf(msg, args...)}
}

// StaticRules returns the built-in static rules.
func StaticRules() []Rule[StaticContext] {
	return []Rule[StaticContext]{
		NewStatic(Info{Code: "E001", Title: "Missing Output Schema", Severity: SeverityError,
			Fix: "declare an outputSchema so downstream tools can bind to its fields"}, checkOutputSchema),
		NewStatic(Info{Code: "E002", Title: "Underspecified Required Input", Severity: SeverityError,
			Fix: "describe every required input"}, checkRequiredInputDescribed),
		NewStatic(Info{Code: "E003", Title: "Unsafe Chaining (Type Mismatch)", Severity: SeverityError,
			Fix: "align the provider output type with the consumer input type"}, checkChainTypes),
		NewStatic(Info{Code: "E004", Title: "Free-Text Propagation", Severity: SeverityError,
			Fix: "constrain the provider output with a description, enum, pattern or format"}, checkFreeTextPropagation),
		NewStatic(Info{Code: "E005", Title: "Hard Tool Ambiguity", Severity: SeverityError,
			Fix: "give each tool a distinct description and input surface"}, checkAmbiguity),
		NewStatic(Info{Code: "E006", Title: "Required Input Not Mentioned In Description", Severity: SeverityError,
			Fix: "say in the tool description what each required input is for"}, checkRequiredInputMentioned),
		NewStatic(Info{Code: "E007", Title: "Nullable Output Feeds Required Input", Severity: SeverityError,
			Fix: "make the provider output non-nullable or the consumer input optional"}, checkNullableChain),
		NewStatic(Info{Code: "E008", Title: "Circular Dependency", Severity: SeverityError,
			Fix: "break the cycle so every tool has a provider that does not depend on it"}, checkCycles),
		NewStatic(Info{Code: "E009", Title: "Indirect User Input Dependency", Severity: SeverityError,
			Fix: "add a tool that provides the value, or document that the user supplies it"}, checkIndirectUserInput),
		NewStatic(Info{Code: "E011", Title: "Missing Tool Description", Severity: SeverityError,
			Fix: "add a description saying what the tool does"}, checkToolDescribed),
		NewStatic(Info{Code: "W001", Title: "Implicit Dependency", Severity: SeverityWarning,
			Fix: "mention the providing tool in the consumer's description"}, checkImplicitDependency),
		NewStatic(Info{Code: "W002", Title: "Free-Text Output", Severity: SeverityWarning,
			Fix: "describe or constrain string outputs"}, checkFreeTextOutput),
		NewStatic(Info{Code: "W003", Title: "Missing Examples For User-Facing Input", Severity: SeverityWarning,
			Fix: "add examples, an enum or a pattern"}, checkInputExamples),
		NewStatic(Info{Code: "W004", Title: "Overloaded Tool Responsibility", Severity: SeverityWarning,
			Fix: "split the tool so each one does one thing"}, checkOverloaded),
		NewStatic(Info{Code: "W005", Title: "Generic Description", Severity: SeverityWarning,
			Fix: "say concretely what the tool reads or changes"}, checkGenericDescription),
		NewStatic(Info{Code: "W006", Title: "Optional Output Feeds Required Input", Severity: SeverityWarning,
			Fix: "mark the provider output required"}, checkOptionalChain),
		NewStatic(Info{Code: "W007", Title: "Broad Output Schema", Severity: SeverityWarning,
			Fix: "declare the properties of the output object"}, checkBroadOutput),
		NewStatic(Info{Code: "W008", Title: "Multiple Entry Points", Severity: SeverityWarning,
			Fix: "route the concept through a single tool"}, checkEntryPoints),
		NewStatic(Info{Code: "W009", Title: "Hidden Side Effects", Severity: SeverityWarning,
			Fix: "return the id or status of what the tool changed"}, checkHiddenSideEffects),
		NewStatic(Info{Code: "W010", Title: "Output Not Reusable", Severity: SeverityWarning,
			Fix: "return structured fields another tool can consume"}, checkReusableOutput),
	}
}

// matchesFor returns the inferred matches where tool is the consumer.
func matchesFor(ctx StaticContext) []deps.Match {
	var out []deps.Match
	for _, m := range ctx.Dependencies {
		if m.Tool == ctx.Tool.Name {
			out = append(out, m)
		}
	}
	return out
}

func providerOutput(ctx StaticContext, m deps.Match) (registry.Field, bool) {
	p, ok := ctx.Indexes.Lookup(m.Provider)
	if !ok {
		return registry.Field{}, false
	}
	for _, o := range p.Outputs {
		if o.Name == m.Output {
			return o, true
		}
	}
	return registry.Field{}, false
}

func unconstrained(f registry.Field) bool {
	return f.Type == "string" && f.Description == "" && len(f.Enum) == 0 && f.Pattern == "" && f.Format == ""
}

// E001: every tool declares an output schema.
func checkOutputSchema(ctx StaticContext) []Diagnostic {
	if ctx.Tool.HasOutputSchema() {
		return nil
	}
	return []Diagnostic{diagf(ctx.Tool.Name, "", "tool declares no output schema")}
}

// E002: every required input has a non-empty description.
func checkRequiredInputDescribed(ctx StaticContext) []Diagnostic {
	var out []Diagnostic
	for _, f := range ctx.Tool.RequiredInputs() {
		if strings.TrimSpace(f.Description) == "" {
			out = append(out, diagf(ctx.Tool.Name, f.Name, "required input %q has no description", f.Name))
		}
	}
	return out
}

// E003: an exact-name dependency must be type compatible.
func checkChainTypes(ctx StaticContext) []Diagnostic {
	var out []Diagnostic
	for _, m := range matchesFor(ctx) {
		if m.Kind != deps.MatchExactName || m.TypeOK {
			continue
		}
		in, _ := ctx.Tool.Input(m.Input)
		o, _ := providerOutput(ctx, m)
		out = append(out, diagf(ctx.Tool.Name, m.Input,
			"input %q (%s) is fed by %s.%s (%s)", m.Input, in.Type, m.Provider, m.Output, o.Type))
	}
	return out
}

// E004: unconstrained string output flowing into a required input.
func checkFreeTextPropagation(ctx StaticContext) []Diagnostic {
	var out []Diagnostic
	for _, m := range matchesFor(ctx) {
		o, ok := providerOutput(ctx, m)
		if ok && unconstrained(o) {
			out = append(out, diagf(ctx.Tool.Name, m.Input,
				"required input %q is fed by free-text output %s.%s", m.Input, m.Provider, m.Output))
		}
	}
	return out
}

// E005: two tools with identical descriptions and identical inputs.
func checkAmbiguity(ctx StaticContext) []Diagnostic {
	t := ctx.Tool
	if len(t.Tokens) == 0 {
		return nil
	}
	var peers []string
	for _, name := range ctx.Indexes.Names() {
		other, _ := ctx.Indexes.Lookup(name)
		if name == t.Name || registry.Overlap(t.Tokens, other.Tokens) < 1 {
			continue
		}
		if sameInputNames(t.Inputs, other.Inputs) {
			peers = append(peers, name)
		}
	}
	if len(peers) == 0 {
		return nil
	}
	return []Diagnostic{diagf(t.Name, "", "indistinguishable from %s", strings.Join(peers, ", "))}
}

func sameInputNames(a, b []registry.Field) bool {
	if len(a) != len(b) {
		return false
	}
	// Inputs are sorted by name.
	for i := range a {
		if registry.CanonicalName(a[i].Name) != registry.CanonicalName(b[i].Name) {
			return false
		}
	}
	return true
}

// mentions reports whether text names field, either verbatim or word by word
// ("user_name" is mentioned by "the user's name").
func mentions(text, field string) bool {
	if strings.Contains(strings.ToLower(text), strings.ToLower(field)) {
		return true
	}
	words := registry.Words(field)
	if len(words) == 0 {
		return false
	}
	have := map[string]bool{}
	for _, w := range registry.Words(text) {
		have[w] = true
	}
	for _, w := range words {
		if !have[w] {
			return false
		}
	}
	return true
}

// E006: the tool description names every required input.
func checkRequiredInputMentioned(ctx StaticContext) []Diagnostic {
	var out []Diagnostic
	for _, f := range ctx.Tool.RequiredInputs() {
		if !mentions(ctx.Tool.Description, f.Name) {
			out = append(out, diagf(ctx.Tool.Name, f.Name, "description never mentions required input %q", f.Name))
		}
	}
	return out
}

// E007: nullable provider output feeding a required input.
func checkNullableChain(ctx StaticContext) []Diagnostic {
	var out []Diagnostic
	for _, m := range matchesFor(ctx) {
		if o, ok := providerOutput(ctx, m); ok && o.Nullable {
			out = append(out, diagf(ctx.Tool.Name, m.Input,
				"required input %q is fed by nullable output %s.%s", m.Input, m.Provider, m.Output))
		}
	}
	return out
}

// E008: tool takes part in a dependency cycle.
func checkCycles(ctx StaticContext) []Diagnostic {
	for _, cycle := range ctx.Cycles {
		for _, member := range cycle {
			if member == ctx.Tool.Name {
				return []Diagnostic{diagf(ctx.Tool.Name, "", "part of dependency cycle: %s", strings.Join(cycle, ", "))}
			}
		}
	}
	return nil
}

var userContextWords = map[string]bool{
	"user": true, "username": true, "me": true, "my": true, "current": true,
	"session": true, "profile": true, "preference": true, "preferences": true,
}

var userSuppliedWords = map[string]bool{
	"ask": true, "asked": true, "enter": true, "entered": true, "type": true, "typed": true,
	"supplied": true, "supplies": true, "input": true, "prompt": true, "prompted": true,
}

// E009: a required input that only the conversation could supply. The
// input refers to the user or session, no tool provides it, and neither
// description says the user is asked for it.
func checkIndirectUserInput(ctx StaticContext) []Diagnostic {
	provided := map[string]bool{}
	for _, m := range matchesFor(ctx) {
		provided[m.Input] = true
	}
	var out []Diagnostic
	for _, f := range ctx.Tool.RequiredInputs() {
		if provided[f.Name] || !anyWord(f.Name, userContextWords) {
			continue
		}
		if anyWord(ctx.Tool.Description+" "+f.Description, userSuppliedWords) {
			continue
		}
		out = append(out, diagf(ctx.Tool.Name, f.Name,
			"required input %q comes from user context but no tool provides it", f.Name))
	}
	return out
}

func anyWord(text string, set map[string]bool) bool {
	for _, w := range registry.Words(text) {
		if set[w] {
			return true
		}
	}
	return false
}

// E011: tool has a description.
func checkToolDescribed(ctx StaticContext) []Diagnostic {
	if ctx.Tool.Description != "" {
		return nil
	}
	return []Diagnostic{diagf(ctx.Tool.Name, "", "tool has no description")}
}

// W001: consumer never names the tool it depends on.
func checkImplicitDependency(ctx StaticContext) []Diagnostic {
	var out []Diagnostic
	for _, m := range matchesFor(ctx) {
		in, _ := ctx.Tool.Input(m.Input)
		text := strings.ToLower(ctx.Tool.Description + " " + in.Description)
		if strings.Contains(text, strings.ToLower(m.Provider)) {
			continue
		}
		out = append(out, diagf(ctx.Tool.Name, m.Input,
			"input %q implicitly depends on %s.%s", m.Input, m.Provider, m.Output))
	}
	return out
}

// W002: string outputs carry no description or constraint.
func checkFreeTextOutput(ctx StaticContext) []Diagnostic {
	t := ctx.Tool
	if t.OutputType == "string" && len(t.Outputs) == 0 {
		return []Diagnostic{diagf(t.Name, "", "output is free text")}
	}
	var out []Diagnostic
	for _, o := range t.Outputs {
		if unconstrained(o) {
			out = append(out, diagf(t.Name, o.Name, "output %q is free text", o.Name))
		}
	}
	return out
}

// W003: string inputs a user must fill in have no examples or constraint.
func checkInputExamples(ctx StaticContext) []Diagnostic {
	provided := map[string]bool{}
	for _, m := range matchesFor(ctx) {
		provided[m.Input] = true
	}
	var out []Diagnostic
	for _, f := range ctx.Tool.Inputs {
		if f.Type != "string" || f.Description == "" || provided[f.Name] {
			continue
		}
		if len(f.Examples) > 0 || len(f.Enum) > 0 || f.Pattern != "" || f.Format != "" {
			continue
		}
		out = append(out, diagf(ctx.Tool.Name, f.Name, "input %q has no examples", f.Name))
	}
	return out
}

var actionVerbs = map[string]bool{
	"get": true, "create": true, "delete": true, "update": true, "list": true, "send": true,
	"remove": true, "add": true, "fetch": true, "set": true, "write": true, "read": true,
}

// W004: three or more distinct action verbs in name and description.
func checkOverloaded(ctx StaticContext) []Diagnostic {
	seen := map[string]bool{}
	for _, w := range registry.Words(ctx.Tool.Name + " " + ctx.Tool.Description) {
		if actionVerbs[w] {
			seen[w] = true
		}
	}
	if len(seen) < 3 {
		return nil
	}
	verbs := make([]string, 0, len(seen))
	for v := range seen {
		verbs = append(verbs, v)
	}
	sort.Strings(verbs)
	return []Diagnostic{diagf(ctx.Tool.Name, "", "tool does too much: %s", strings.Join(verbs, ", "))}
}

var genericWords = map[string]bool{
	"handle": true, "handles": true, "process": true, "processes": true, "data": true,
	"result": true, "results": true, "stuff": true, "thing": true, "things": true,
	"manage": true, "manages": true, "perform": true, "performs": true, "execute": true,
	"executes": true, "run": true, "runs": true, "helper": true, "utility": true,
	"function": true, "operation": true, "input": true, "output": true, "various": true,
	"something": true, "request": true, "action": true,
}

// W005: description says nothing specific.
func checkGenericDescription(ctx StaticContext) []Diagnostic {
	t := ctx.Tool
	if t.Description == "" {
		return nil
	}
	for _, tok := range t.Tokens {
		if !genericWords[tok] {
			return nil
		}
	}
	return []Diagnostic{diagf(t.Name, "", "description %q is generic", t.Description)}
}

// W006: optional, non-nullable provider output feeding a required input.
func checkOptionalChain(ctx StaticContext) []Diagnostic {
	var out []Diagnostic
	for _, m := range matchesFor(ctx) {
		if o, ok := providerOutput(ctx, m); ok && !o.Required && !o.Nullable {
			out = append(out, diagf(ctx.Tool.Name, m.Input,
				"required input %q is fed by optional output %s.%s", m.Input, m.Provider, m.Output))
		}
	}
	return out
}

// W007: output object without properties.
func checkBroadOutput(ctx StaticContext) []Diagnostic {
	t := ctx.Tool
	if t.OutputType != "object" || len(t.Outputs) > 0 {
		return nil
	}
	return []Diagnostic{diagf(t.Name, "", "output schema is an object with no declared properties")}
}

// W008: several tools both consume and produce the same field.
func checkEntryPoints(ctx StaticContext) []Diagnostic {
	t := ctx.Tool
	var out []Diagnostic
	for _, in := range t.Inputs {
		var peers []string
		for _, c := range ctx.Indexes.Consumers(in.Name) {
			for _, p := range ctx.Indexes.Providers(in.Name) {
				if c == p {
					peers = append(peers, c)
				}
			}
		}
		if len(peers) < 2 || !slices.Contains(peers, t.Name) {
			continue
		}
		out = append(out, diagf(t.Name, in.Name,
			"%q has multiple entry points: %s", in.Name, strings.Join(peers, ", ")))
	}
	return out
}

var mutationVerbs = map[string]bool{
	"create": true, "creates": true, "delete": true, "deletes": true, "update": true, "updates": true,
	"remove": true, "removes": true, "add": true, "adds": true, "write": true, "writes": true,
	"send": true, "sends": true, "insert": true, "inserts": true, "modify": true, "modifies": true,
	"cancel": true, "cancels": true, "submit": true, "submits": true, "save": true, "saves": true,
}

var changeEvidence = map[string]bool{
	"id": true, "status": true, "success": true, "ok": true, "created": true, "updated": true,
	"deleted": true, "removed": true, "affected": true, "count": true, "version": true,
}

// W009: description says the tool changes state but the output schema has
// nothing reporting the change.
func checkHiddenSideEffects(ctx StaticContext) []Diagnostic {
	t := ctx.Tool
	if !t.HasOutputSchema() {
		return nil
	}
	var verbs []string
	for _, w := range registry.Words(t.Description) {
		if mutationVerbs[w] && !slices.Contains(verbs, w) {
			verbs = append(verbs, w)
		}
	}
	if len(verbs) == 0 {
		return nil
	}
	for _, o := range t.Outputs {
		if anyWord(o.Name, changeEvidence) {
			return nil
		}
	}
	return []Diagnostic{diagf(t.Name, "", "description implies side effects (%s) the output does not report", strings.Join(verbs, ", "))}
}

var displayNames = map[string]bool{
	"message": true, "text": true, "summary": true, "response": true, "reply": true,
	"content": true, "display": true, "answer": true, "markdown": true, "html": true,
}

// W010: every output is a display string.
func checkReusableOutput(ctx StaticContext) []Diagnostic {
	t := ctx.Tool
	if len(t.Outputs) == 0 {
		return nil
	}
	for _, o := range t.Outputs {
		if o.Type != "string" || !displayNames[registry.CanonicalName(o.Name)] {
			return nil
		}
	}
	return []Diagnostic{diagf(t.Name, "", "output is display text only")}
}
