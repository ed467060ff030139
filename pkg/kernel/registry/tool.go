// Package registry ingests raw tool definitions from an MCP server and
// normalizes them into the canonical shape the rest of the kernel consumes.
package registry

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// RawTool is a tool definition exactly as the server advertised it.
type RawTool struct {
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty" yaml:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty" yaml:"outputSchema,omitempty"`
	Meta         map[string]any `json:"_meta,omitempty" yaml:"_meta,omitempty"`
}

// FromMCP converts an mcp-go tool into a RawTool through its wire encoding,
// so raw and structured input schemas are handled the same way.
func FromMCP(t mcp.Tool) (RawTool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return RawTool{}, fmt.Errorf("encode tool %s: %w", t.Name, err)
	}
	var raw RawTool
	if err := json.Unmarshal(data, &raw); err != nil {
		return RawTool{}, fmt.Errorf("decode tool %s: %w", t.Name, err)
	}
	return raw, nil
}

// Field is one normalized input or output property.
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Nullable    bool   `json:"nullable,omitempty"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	Format      string `json:"format,omitempty"`
	Examples    []any  `json:"examples,omitempty"`
}

// NormalizedTool is the canonical, immutable shape of a tool.
type NormalizedTool struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tokens      []string `json:"tokens"`
	Inputs      []Field  `json:"inputs"`
	Outputs     []Field  `json:"outputs"`

	// OutputType is the top-level output schema type; empty when the tool
	// declares no output schema.
	OutputType string `json:"output_type,omitempty"`

	// DeclaredTimeout comes from _meta.timeout (e.g. "5m").
	DeclaredTimeout string `json:"declared_timeout,omitempty"`

	InputSchema  map[string]any `json:"-"`
	OutputSchema map[string]any `json:"-"`
}

// HasOutputSchema reports whether the tool declares an output schema.
func (t *NormalizedTool) HasOutputSchema() bool { return t.OutputType != "" }

// Input returns the named input field.
func (t *NormalizedTool) Input(name string) (Field, bool) {
	for _, f := range t.Inputs {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// RequiredInputs returns the required input fields in order.
func (t *NormalizedTool) RequiredInputs() []Field {
	var out []Field
	for _, f := range t.Inputs {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// NormalizationError reports why a tool was excluded from analysis.
type NormalizationError struct {
	Tool   string `json:"tool"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (e *NormalizationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("tool %s: field %s: %s", e.Tool, e.Field, e.Reason)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Reason)
}
