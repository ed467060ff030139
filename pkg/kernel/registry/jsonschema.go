package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Schema is a compiled JSON Schema for one tool input or output.
type Schema struct {
	sch *sjsonschema.Schema
}

// CompileSchema compiles a schema document under the given resource name.
func CompileSchema(name string, doc map[string]any) (*Schema, error) {
	parsed, err := roundTrip(doc)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource(name, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{sch: sch}, nil
}

// Validate checks v and returns one line per violated constraint, sorted.
// An empty result means v conforms.
func (s *Schema) Validate(v any) []string {
	doc, err := roundTrip(v)
	if err != nil {
		return []string{err.Error()}
	}
	err = s.sch.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*sjsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	for _, leaf := range leaves(ve) {
		path := "/" + strings.Join(leaf.InstanceLocation, "/")
		out = append(out, fmt.Sprintf("%s: %s", path, leaf.ErrorKind.LocalizedString(printer)))
	}
	sort.Strings(out)
	return out
}

func leaves(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, c := range ve.Causes {
		flat = append(flat, leaves(c)...)
	}
	return flat
}

// roundTrip re-decodes v the way the validator expects numbers.
func roundTrip(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return sjsonschema.UnmarshalJSON(bytes.NewReader(data))
}
