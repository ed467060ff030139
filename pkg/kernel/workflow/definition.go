package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
)

// Definition is a workflow document.
type Definition struct {
	Name        string    `yaml:"name" json:"name" jsonschema:"minLength=1"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []StepDef `yaml:"steps" json:"steps" jsonschema:"minItems=1"`
}

// StepDef declares one step. Steps are required unless Required is false.
type StepDef struct {
	ID        events.StepID   `yaml:"id" json:"id" jsonschema:"minLength=1,pattern=^[A-Za-z0-9_.-]+$"`
	Name      string          `yaml:"name,omitempty" json:"name,omitempty"`
	Tool      string          `yaml:"tool,omitempty" json:"tool,omitempty"`
	Required  *bool           `yaml:"required,omitempty" json:"required,omitempty"`
	DependsOn []events.StepID `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// SkipWhen is an expr-lang condition over the states and results of
	// other steps, checked once the step's dependencies are satisfied,
	// e.g. `steps.lookup.result?.found == false`.
	SkipWhen string `yaml:"skip_when,omitempty" json:"skip_when,omitempty"`
}

// IsRequired reports the effective required flag.
func (s StepDef) IsRequired() bool { return s.Required == nil || *s.Required }

// LoadFile reads a workflow definition from a YAML file.
func LoadFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workflow: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a definition, rejecting unknown fields, then checks it
// against the definition JSON Schema.
func Load(r io.Reader) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	sch, err := definitionSchema()
	if err != nil {
		return nil, err
	}
	if violations := sch.Validate(&def); len(violations) > 0 {
		return nil, fmt.Errorf("workflow %q does not match schema: %v", def.Name, violations)
	}
	return &def, nil
}

// JSONSchema reflects the definition types into a JSON Schema document.
func JSONSchema() *jsonschema.Schema {
	r := new(jsonschema.Reflector)
	s := r.Reflect(&Definition{})
	s.ID = "https://github.com/ormasoftchile/syrin/schemas/workflow.json"
	s.Title = "Workflow definition"
	return s
}

var definitionSchema = sync.OnceValues(func() (*registry.Schema, error) {
	data, err := json.Marshal(JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal workflow schema: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode workflow schema: %w", err)
	}
	return registry.CompileSchema("workflow.json", doc)
})

// Validate checks the parts of a definition a schema cannot: unique ids,
// known dependencies and tools, and compilable skip conditions. tools may be
// nil to skip the tool check.
func (d *Definition) Validate(tools []registry.NormalizedTool) error {
	var errs []error
	if len(d.Steps) == 0 {
		errs = append(errs, errors.New("steps: at least one step is required"))
	}
	ids := make(map[events.StepID]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("steps[%d].id: required", i))
			continue
		}
		if ids[s.ID] {
			errs = append(errs, fmt.Errorf("steps[%d].id: duplicate step %q", i, s.ID))
		}
		ids[s.ID] = true
	}

	known := map[string]bool{}
	for _, t := range tools {
		known[t.Name] = true
	}
	for i, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				errs = append(errs, fmt.Errorf("steps[%d].depends_on: unknown step %q", i, dep))
			}
		}
		if s.Tool != "" && tools != nil && !known[s.Tool] {
			errs = append(errs, fmt.Errorf("steps[%d].tool: unknown tool %q", i, s.Tool))
		}
		if s.SkipWhen != "" {
			if _, err := compileCondition(s.SkipWhen); err != nil {
				errs = append(errs, fmt.Errorf("steps[%d].skip_when: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}

// conditionEnv is the shape skip conditions are compiled against.
func conditionEnv(steps map[string]any) map[string]any {
	if steps == nil {
		steps = map[string]any{}
	}
	return map[string]any{"steps": steps}
}

func compileCondition(src string) (*conditionProgram, error) {
	program, err := expr.Compile(src, expr.Env(conditionEnv(nil)), expr.AsBool())
	if err != nil {
		return nil, err
	}
	return &conditionProgram{src: src, program: program}, nil
}
