package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
	"github.com/ormasoftchile/syrin/pkg/kernel/rules"
)

func TestAnalyseTools_FoodServerIsClean(t *testing.T) {
	res, err := AnalyseTools(context.Background(), FileSource{Path: "testdata/food-server.yaml"}, Options{})
	require.NoError(t, err)

	require.Len(t, res.Tools, 3)
	assert.Empty(t, res.Rejected)
	assert.Empty(t, res.Cycles)
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, VerdictPass, res.Verdict)
	assert.False(t, res.HasErrors())

	require.Len(t, res.Dependencies, 2)
	assert.Equal(t, "get_weather", res.Dependencies[0].Tool)
	assert.Equal(t, "current_location", res.Dependencies[0].Provider)
	assert.Equal(t, "order_food", res.Dependencies[1].Tool)
	assert.Equal(t, "get_weather", res.Dependencies[1].Provider)
}

func TestAnalyse_BehaviorUsesDeclaredTimeout(t *testing.T) {
	raws, err := FileSource{Path: "testdata/food-server.yaml"}.ListTools(context.Background())
	require.NoError(t, err)

	res := Analyse(raws, Options{Behavior: []rules.ExecutionContext{{Tool: "get_weather", TimedOut: true}}})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "E403", res.Errors[0].Code)
	assert.Contains(t, res.Errors[0].Message, "exceeded declared timeout: 10s")
	assert.Equal(t, VerdictFail, res.Verdict)
}

func TestAnalyse_PartitionsAndIsolatesBadTools(t *testing.T) {
	raws := []registry.RawTool{
		{Name: "process_data", InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"data": map[string]any{"type": "string"}},
			"required":   []any{"data"},
		}},
		{Name: "broken", InputSchema: map[string]any{"properties": []any{"x"}}},
	}
	res := Analyse(raws, Options{})

	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "broken", res.Rejected[0].Tool)
	require.Len(t, res.Tools, 1)

	codes := map[string]bool{}
	for _, d := range res.Errors {
		assert.Equal(t, rules.SeverityError, d.Severity)
		codes[d.Code] = true
	}
	for _, d := range res.Warnings {
		assert.Equal(t, rules.SeverityWarning, d.Severity)
	}
	assert.True(t, codes["E001"])
	assert.True(t, codes["E002"])
	assert.True(t, codes["E011"])
	assert.Equal(t, VerdictFail, res.Verdict)
}

func TestAnalyse_CycleDoesNotAbort(t *testing.T) {
	str := func(d string) map[string]any { return map[string]any{"type": "string", "description": d} }
	raws := []registry.RawTool{
		{Name: "a", Description: "Alpha step",
			InputSchema:  map[string]any{"properties": map[string]any{"x": str("X value")}, "required": []any{"x"}},
			OutputSchema: map[string]any{"type": "object", "properties": map[string]any{"y": str("Y value")}}},
		{Name: "b", Description: "Beta step",
			InputSchema:  map[string]any{"properties": map[string]any{"y": str("Y value")}, "required": []any{"y"}},
			OutputSchema: map[string]any{"type": "object", "properties": map[string]any{"x": str("X value")}}},
	}
	res := Analyse(raws, Options{})
	assert.Equal(t, [][]string{{"a", "b"}}, res.Cycles)
	assert.Len(t, res.Tools, 2)

	var e008 int
	for _, d := range res.Errors {
		if d.Code == "E008" {
			e008++
		}
	}
	assert.Equal(t, 2, e008)
}

type failingSource struct{ err error }

func (f failingSource) ListTools(context.Context) ([]registry.RawTool, error) { return nil, f.err }

func TestAnalyseTools_LoadError(t *testing.T) {
	boom := errors.New("connection refused")
	rec := recorder.New()
	defer rec.Close()

	_, err := AnalyseTools(context.Background(), failingSource{boom}, Options{Recorder: rec, SessionID: "s"})
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, boom)

	evs := rec.Events("s")
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventRuntimeError, evs[0].Type)
}

func TestAnalyse_EmitsThroughRecorder(t *testing.T) {
	rec := recorder.New()
	defer rec.Close()

	raws := []registry.RawTool{{Name: "lonely"}}
	res := Analyse(raws, Options{Recorder: rec, SessionID: "s"})

	var types []events.EventType
	for _, env := range rec.Events("s") {
		types = append(types, env.Type)
	}
	require.GreaterOrEqual(t, len(types), 4)
	assert.Equal(t, []events.EventType{
		events.EventToolRegistered,
		events.EventToolRegistryLoaded,
		events.EventToolDependenciesInferred,
	}, types[:3])
	assert.Len(t, types[3:], len(res.Diagnostics))
	for _, ty := range types[3:] {
		assert.Equal(t, events.EventDiagnosticRaised, ty)
	}
}

func TestLoadTools_Malformed(t *testing.T) {
	_, err := LoadTools(strings.NewReader("tools: {not: a list}"))
	assert.Error(t, err)

	tools, err := LoadTools(strings.NewReader(`{"tools":[{"name":"x","annotations":{"readOnlyHint":true}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "x", tools[0].Name)
}
