package registry

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
)

func weatherTools() []RawTool {
	return []RawTool{
		{
			Name:        "getCurrentLocation",
			Description: "Get the user's current location as a city name",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{"type": "string", "description": "City name"},
				},
			},
		},
		{
			Name:        "getWeather",
			Description: "Get the weather forecast for a location",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{"type": "string", "description": "City to look up"},
					"units":    map[string]any{"type": []any{"null", "string"}, "enum": []any{"metric", "imperial"}},
				},
				"required": []any{"location"},
			},
			Meta: map[string]any{"timeout": "5m"},
		},
	}
}

func TestNormalize_Fields(t *testing.T) {
	tools, errs := Normalize(weatherTools())
	require.Empty(t, errs)
	require.Len(t, tools, 2)

	w := tools[1]
	assert.Equal(t, "getWeather", w.Name)
	require.Len(t, w.Inputs, 2)
	assert.Equal(t, Field{Name: "location", Type: "string", Required: true, Description: "City to look up"}, w.Inputs[0])
	assert.Equal(t, "units", w.Inputs[1].Name)
	assert.Equal(t, "string", w.Inputs[1].Type)
	assert.False(t, w.Inputs[1].Required)
	assert.True(t, w.Inputs[1].Nullable)
	assert.Equal(t, []any{"metric", "imperial"}, w.Inputs[1].Enum)
	assert.Equal(t, "5m", w.DeclaredTimeout)
	assert.False(t, w.HasOutputSchema())
	assert.Equal(t, []string{"forecast", "location", "weather"}, w.Tokens)

	loc := tools[0]
	assert.Equal(t, "object", loc.OutputType)
	require.Len(t, loc.Outputs, 1)
	assert.Equal(t, "location", loc.Outputs[0].Name)
}

func TestNormalize_MalformedToolExcludedOthersContinue(t *testing.T) {
	raws := append(weatherTools(), RawTool{
		Name: "broken",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": 42}},
		},
	}, RawTool{
		Name:        "badRequired",
		InputSchema: map[string]any{"properties": map[string]any{}, "required": "q"},
	})
	tools, errs := Normalize(raws)
	assert.Len(t, tools, 2)
	require.Len(t, errs, 2)
	assert.Equal(t, "broken", errs[0].Tool)
	assert.Equal(t, "q", errs[0].Field)
	assert.Contains(t, errs[0].Error(), "unrecognized type shape")
	assert.Equal(t, "badRequired", errs[1].Tool)
}

func TestNormalize_DuplicateAndUnnamed(t *testing.T) {
	raws := []RawTool{{Name: "a"}, {Name: "a"}, {Name: "  "}}
	tools, errs := Normalize(raws)
	assert.Len(t, tools, 1)
	assert.Len(t, errs, 2)
}

func TestTypeOf(t *testing.T) {
	cases := []struct {
		name string
		prop map[string]any
		want string
	}{
		{"plain", map[string]any{"type": "integer"}, "integer"},
		{"nullable array", map[string]any{"type": []any{"null", "number"}}, "number"},
		{"anyOf", map[string]any{"anyOf": []any{map[string]any{"type": "null"}, map[string]any{"type": "boolean"}}}, "boolean"},
		{"ref", map[string]any{"$ref": "#/defs/x"}, "object"},
		{"enum only", map[string]any{"enum": []any{"a"}}, "string"},
		{"untyped", map[string]any{"description": "x"}, "any"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := typeOf(tc.prop)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"current", "location", "user"}, Tokenize("getCurrentLocation for the user"))
	assert.Equal(t, []string{"http", "request"}, Tokenize("HTTPRequest"))
	assert.Equal(t, []string{"city", "name"}, Tokenize("city_name, a CITY name!"))
	assert.Empty(t, Tokenize(""))
}

func TestTokenize_UnicodeForms(t *testing.T) {
	composed := Tokenize("Caf\u00e9 \ufb01ltered r\u00e9sum\u00e9")
	decomposed := Tokenize("Cafe\u0301 filtered re\u0301sume\u0301")
	assert.Equal(t, []string{"café", "filtered", "résumé"}, composed)
	assert.Equal(t, composed, decomposed)
	assert.Equal(t, 1.0, Overlap(composed, decomposed))
}

func TestOverlap(t *testing.T) {
	assert.InDelta(t, 0.5, Overlap([]string{"a", "b", "c"}, []string{"b", "c", "d"}), 1e-9)
	assert.Equal(t, 0.0, Overlap(nil, []string{"x"}))
	assert.Equal(t, 1.0, Overlap([]string{"x"}, []string{"x"}))
}

func TestCanonicalNameAndCompat(t *testing.T) {
	assert.Equal(t, CanonicalName("user_id"), CanonicalName("userId"))
	assert.Equal(t, "userid", CanonicalName("User-ID"))
	assert.Equal(t, "résuméid", CanonicalName("résumé_id"))
	assert.Equal(t, CanonicalName("r\u00e9sum\u00e9_id"), CanonicalName("Re\u0301sume\u0301Id"))
	assert.True(t, TypesCompatible("integer", "number"))
	assert.True(t, TypesCompatible("any", "object"))
	assert.False(t, TypesCompatible("string", "object"))
}

func TestBuildIndexes(t *testing.T) {
	tools, _ := Normalize(weatherTools())
	idx := BuildIndexes(tools)

	assert.Equal(t, []string{"getCurrentLocation", "getWeather"}, idx.Names())
	assert.Equal(t, []string{"getCurrentLocation"}, idx.Providers("location"))
	assert.Equal(t, []string{"getWeather"}, idx.Consumers("Location"))
	tool, ok := idx.Lookup("getWeather")
	require.True(t, ok)
	assert.Equal(t, "5m", tool.DeclaredTimeout)

	// Same input, same indexes.
	again := BuildIndexes(tools)
	assert.Equal(t, idx.ByInputField, again.ByInputField)
	assert.Equal(t, idx.ByOutputField, again.ByOutputField)
}

func TestFromMCP(t *testing.T) {
	tool := mcp.NewTool("orderFood",
		mcp.WithDescription("Order food for delivery"),
		mcp.WithString("address", mcp.Required(), mcp.Description("Delivery address")),
	)
	raw, err := FromMCP(tool)
	require.NoError(t, err)
	assert.Equal(t, "orderFood", raw.Name)

	tools, errs := Normalize([]RawTool{raw})
	require.Empty(t, errs)
	f, ok := tools[0].Input("address")
	require.True(t, ok)
	assert.True(t, f.Required)
	assert.Equal(t, "Delivery address", f.Description)
}

func TestRegister_EmitsEvents(t *testing.T) {
	tools, errs := Normalize(append(weatherTools(), RawTool{Name: "bad", InputSchema: map[string]any{"properties": "x"}}))
	r := recorder.New()
	defer r.Close()
	Register(r, "s", tools, errs)

	var types []events.EventType
	for _, env := range r.Events("s") {
		types = append(types, env.Type)
	}
	assert.Equal(t, []events.EventType{
		events.EventToolRegistered,
		events.EventToolRegistered,
		events.EventToolRegistrationFailed,
		events.EventToolRegistryLoaded,
	}, types)
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"get", "user", "and", "set", "id"}, Words("getUser and set_id"))
	assert.Equal(t, []string{"hotel", "résumé"}, Words("HOTEL Re\u0301sume\u0301"))
	assert.Nil(t, Words("  "))
}
