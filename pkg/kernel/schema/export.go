// Package schema exports JSON Schema documents for the files and records
// syrin reads and writes: event envelopes, diagnostics, workflow
// definitions, test scenarios and configuration.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/ormasoftchile/syrin/pkg/config"
	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/replay"
	"github.com/ormasoftchile/syrin/pkg/kernel/rules"
	ktesting "github.com/ormasoftchile/syrin/pkg/kernel/testing"
	"github.com/ormasoftchile/syrin/pkg/kernel/workflow"
)

const baseID = "https://github.com/ormasoftchile/syrin/schemas/"

// Document names an exportable schema.
type Document string

const (
	Envelope   Document = "envelope"
	Diagnostic Document = "diagnostic"
	Workflow   Document = "workflow"
	Scenario   Document = "scenario"
	TestSpec   Document = "test"
	Config     Document = "config"
)

var documents = []Document{Envelope, Diagnostic, Workflow, Scenario, TestSpec, Config}

// Documents returns every exportable document name.
func Documents() []Document {
	return slices.Clone(documents)
}

// Reflect builds the schema for doc.
func Reflect(doc Document) (*jsonschema.Schema, error) {
	var s *jsonschema.Schema
	switch doc {
	case Envelope:
		s = envelopeSchema()
		s.Title = "Event envelope"
		s.Description = "One line of a JSONL session trail."
	case Diagnostic:
		s = new(jsonschema.Reflector).Reflect(&rules.Diagnostic{})
		s.Title = "Diagnostic"
		if sev := property(s, "severity"); sev != nil {
			sev.Enum = []any{string(rules.SeverityError), string(rules.SeverityWarning)}
		}
	case Workflow:
		s = workflow.JSONSchema()
	case Scenario:
		s = new(jsonschema.Reflector).Reflect(&replay.Scenario{})
		s.Title = "Test scenario"
	case TestSpec:
		s = new(jsonschema.Reflector).Reflect(&ktesting.TestSpec{})
		s.Title = "Scenario assertions"
	case Config:
		r := &jsonschema.Reflector{FieldNameTag: "yaml"}
		s = r.Reflect(&config.Config{})
		s.Title = "syrin configuration"
	default:
		return nil, fmt.Errorf("unknown schema %q (want one of %v)", doc, documents)
	}
	if s.ID == "" {
		s.ID = jsonschema.ID(baseID + string(doc) + ".json")
	}
	return s, nil
}

// Generate produces the indented JSON Schema document for doc.
func Generate(doc Document) ([]byte, error) {
	s, err := Reflect(doc)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", doc, err)
	}
	return data, nil
}

// wireEnvelope mirrors the JSON shape events.Envelope marshals to.
type wireEnvelope struct {
	EventID    string    `json:"event_id" jsonschema:"description=ULID sortable by creation time"`
	EventType  string    `json:"event_type"`
	SessionID  string    `json:"session_id"`
	WorkflowID *string   `json:"workflow_id" jsonschema:"nullable"`
	PromptID   *string   `json:"prompt_id" jsonschema:"nullable"`
	Timestamp  time.Time `json:"timestamp"`
	Sequence   uint64    `json:"sequence" jsonschema:"minimum=1"`
	Source     string    `json:"source"`
	Payload    any       `json:"payload"`
}

// envelopeSchema reflects the wire envelope and ties each event_type to its
// payload shape with one if/then clause per type.
func envelopeSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{ExpandedStruct: true}
	s := r.Reflect(&wireEnvelope{})
	if s.Definitions == nil {
		s.Definitions = jsonschema.Definitions{}
	}

	types := events.AllEventTypes()
	enum := make([]any, len(types))
	for i, t := range types {
		enum[i] = string(t)
	}
	if p := property(s, "event_type"); p != nil {
		p.Enum = enum
	}
	if p := property(s, "source"); p != nil {
		p.Const = events.Source
	}
	s.Properties.Set("payload", &jsonschema.Schema{Type: "object"})

	for _, t := range types {
		payload, err := events.DecodePayload(t, json.RawMessage("{}"))
		if err != nil {
			continue
		}
		ps := new(jsonschema.Reflector).ReflectFromType(reflect.TypeOf(payload))
		for name, def := range ps.Definitions {
			nullableArrays(def)
			s.Definitions[name] = def
		}

		cond := jsonschema.NewProperties()
		cond.Set("event_type", &jsonschema.Schema{Const: string(t)})
		then := jsonschema.NewProperties()
		then.Set("payload", &jsonschema.Schema{Ref: ps.Ref})
		s.AllOf = append(s.AllOf, &jsonschema.Schema{
			If:   &jsonschema.Schema{Properties: cond},
			Then: &jsonschema.Schema{Properties: then},
		})
	}
	return s
}

// nullableArrays lets array properties be null, since nil slices marshal
// that way.
func nullableArrays(s *jsonschema.Schema) {
	if s == nil || s.Properties == nil {
		return
	}
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		p := pair.Value
		if p.Type != "array" {
			continue
		}
		arr := &jsonschema.Schema{Type: "array", Items: p.Items}
		p.Type = ""
		p.Items = nil
		p.AnyOf = []*jsonschema.Schema{arr, {Type: "null"}}
	}
}

func property(s *jsonschema.Schema, name string) *jsonschema.Schema {
	if s.Properties == nil {
		return nil
	}
	p, _ := s.Properties.Get(name)
	return p
}
