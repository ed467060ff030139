package registry

import (
	"sort"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
)

// Indexes are the lookup tables built from a normalized tool list. Field
// indexes are keyed by CanonicalName and resolve to sorted tool names.
type Indexes struct {
	ByName        map[string]*NormalizedTool
	ByInputField  map[string][]string
	ByOutputField map[string][]string
}

// BuildIndexes derives the indexes. Contents depend only on tools.
func BuildIndexes(tools []NormalizedTool) Indexes {
	idx := Indexes{
		ByName:        make(map[string]*NormalizedTool, len(tools)),
		ByInputField:  map[string][]string{},
		ByOutputField: map[string][]string{},
	}
	for i := range tools {
		t := &tools[i]
		idx.ByName[t.Name] = t
		for _, f := range t.Inputs {
			addUnique(idx.ByInputField, CanonicalName(f.Name), t.Name)
		}
		for _, f := range t.Outputs {
			addUnique(idx.ByOutputField, CanonicalName(f.Name), t.Name)
		}
	}
	for _, m := range []map[string][]string{idx.ByInputField, idx.ByOutputField} {
		for k := range m {
			sort.Strings(m[k])
		}
	}
	return idx
}

func addUnique(m map[string][]string, key, tool string) {
	for _, existing := range m[key] {
		if existing == tool {
			return
		}
	}
	m[key] = append(m[key], tool)
}

// Providers returns the tools whose outputs include field.
func (idx Indexes) Providers(field string) []string {
	return idx.ByOutputField[CanonicalName(field)]
}

// Consumers returns the tools whose inputs include field.
func (idx Indexes) Consumers(field string) []string {
	return idx.ByInputField[CanonicalName(field)]
}

// Lookup returns the named tool.
func (idx Indexes) Lookup(name string) (*NormalizedTool, bool) {
	t, ok := idx.ByName[name]
	return t, ok
}

// Names returns every indexed tool name, sorted.
func (idx Indexes) Names() []string {
	out := make([]string, 0, len(idx.ByName))
	for n := range idx.ByName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Register emits the registry events for a normalization pass.
func Register(em recorder.Emitter, sid events.SessionID, tools []NormalizedTool, errs []*NormalizationError) {
	for _, t := range tools {
		em.Emit(sid, events.ToolRegistered{Tool: t.Name, Inputs: len(t.Inputs), Outputs: len(t.Outputs)})
	}
	for _, e := range errs {
		em.Emit(sid, events.ToolRegistrationFailed{Tool: e.Tool, Field: e.Field, Reason: e.Reason})
	}
	em.Emit(sid, events.ToolRegistryLoaded{ToolCount: len(tools), FailedCount: len(errs)})
}
