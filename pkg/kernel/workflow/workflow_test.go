package workflow

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/syrin/pkg/kernel/deps"
	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
)

var lunchInferred = []deps.Match{
	{Tool: "get_weather", Input: "location", Provider: "current_location", Output: "location", Kind: deps.MatchExactName},
	{Tool: "order_food", Input: "weather", Provider: "get_weather", Output: "weather", Kind: deps.MatchExactName},
}

func lunch(t *testing.T) (*Workflow, *recorder.Recorder) {
	t.Helper()
	def, err := LoadFile("testdata/lunch.yaml")
	require.NoError(t, err)
	rec := recorder.New()
	t.Cleanup(func() { rec.Close() })
	wf, err := New(def, nil, lunchInferred, rec, "s")
	require.NoError(t, err)
	return wf, rec
}

func load(t *testing.T, src string) *Definition {
	t.Helper()
	def, err := Load(strings.NewReader(src))
	require.NoError(t, err)
	return def
}

func payloadsOf[T events.Payload](rec *recorder.Recorder) []T {
	var out []T
	for _, env := range rec.Events("s") {
		if p, ok := env.Payload.(T); ok {
			out = append(out, p)
		}
	}
	return out
}

func complete(t *testing.T, rec *recorder.Recorder, wf *Workflow, step, tool string, result any) {
	t.Helper()
	env := rec.Emit("s", events.ToolExecutionCompleted{
		CallID: events.CallID("call-" + step),
		Tool:   tool,
		StepID: events.StepID(step),
		Result: result,
	}, recorder.InWorkflow(wf.ID()))
	require.NoError(t, wf.HandleExecution(env))
}

func fail(t *testing.T, rec *recorder.Recorder, wf *Workflow, step, tool string) {
	t.Helper()
	env := rec.Emit("s", events.ToolExecutionFailed{
		CallID: events.CallID("call-" + step),
		Tool:   tool,
		StepID: events.StepID(step),
		Error:  "upstream unavailable",
	}, recorder.InWorkflow(wf.ID()))
	require.NoError(t, wf.HandleExecution(env))
}

func start(t *testing.T, wf *Workflow, step string) {
	t.Helper()
	st, err := wf.TryStart(events.StepID(step))
	require.NoError(t, err)
	require.Equal(t, StateStarted, st)
}

func TestLoadFile(t *testing.T) {
	def, err := LoadFile("testdata/lunch.yaml")
	require.NoError(t, err)
	assert.Equal(t, "lunch", def.Name)
	require.Len(t, def.Steps, 4)
	assert.True(t, def.Steps[0].IsRequired())
	assert.False(t, def.Steps[3].IsRequired())
	assert.Equal(t, []events.StepID{"weather"}, def.Steps[2].DependsOn)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]struct {
		src  string
		want string
	}{
		"unknown field": {"name: x\nsteps:\n  - id: a\n    timeout: 3\n", "structural decode"},
		"no steps":      {"name: x\nsteps: []\n", "does not match schema"},
		"bad id":        {"name: x\nsteps:\n  - id: not an id\n", "does not match schema"},
		"missing name":  {"steps:\n  - id: a\n", "does not match schema"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDefinition_Validate(t *testing.T) {
	tools, errs := registry.Normalize([]registry.RawTool{{Name: "known", Description: "A known tool"}})
	require.Empty(t, errs)

	def := &Definition{Name: "x", Steps: []StepDef{
		{ID: "a", Tool: "known"},
		{ID: "a"},
		{ID: "b", Tool: "missing", DependsOn: []events.StepID{"nowhere"}},
		{ID: "c", SkipWhen: "steps.("},
	}}
	err := def.Validate(tools)
	require.Error(t, err)
	for _, want := range []string{`duplicate step "a"`, `unknown step "nowhere"`, `unknown tool "missing"`, "steps[3].skip_when"} {
		assert.Contains(t, err.Error(), want)
	}
	assert.NoError(t, (&Definition{Name: "y", Steps: []StepDef{{ID: "a", Tool: "anything"}}}).Validate(nil))
}

func TestJSONSchema(t *testing.T) {
	data, err := json.Marshal(JSONSchema())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"skip_when"`)
	assert.Contains(t, string(data), `"depends_on"`)
}

func TestNew_MergesInferredEdges(t *testing.T) {
	wf, rec := lunch(t)
	assert.Equal(t, []events.StepID{"locate", "weather", "order", "umbrella"}, wf.Order())

	snap := wf.Snapshot()
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, []events.StepID{"locate"}, snap.Steps[1].DependsOn)
	assert.Equal(t, []events.StepID{"weather"}, snap.Steps[2].DependsOn)
	for _, s := range snap.Steps {
		assert.Equal(t, StatePending, s.State, s.ID)
	}
	assert.Empty(t, rec.Events("s"), "nothing is emitted before the workflow starts")
}

func TestNew_CycleIsFatal(t *testing.T) {
	rec := recorder.New()
	defer rec.Close()

	declared := load(t, "name: loop\nsteps:\n  - id: a\n    depends_on: [b]\n  - id: b\n    depends_on: [a]\n")
	_, err := New(declared, nil, nil, rec, "s")
	require.ErrorIs(t, err, deps.ErrCycle)
	var ce *deps.CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ce.Path[0], ce.Path[len(ce.Path)-1])

	inferred := load(t, "name: loop\nsteps:\n  - id: x\n    tool: t1\n  - id: y\n    tool: t2\n")
	_, err = New(inferred, nil, []deps.Match{{Tool: "t1", Provider: "t2"}, {Tool: "t2", Provider: "t1"}}, rec, "s")
	assert.ErrorIs(t, err, deps.ErrCycle)

	self := load(t, "name: self\nsteps:\n  - id: a\n    depends_on: [a]\n")
	_, err = New(self, nil, nil, rec, "s")
	assert.ErrorIs(t, err, deps.ErrCycle)

	assert.Empty(t, rec.Events("s"))
}

// A step whose dependency has not completed is blocked, names the missing
// dependency, and returns to PENDING once the dependency completes. It only
// starts when asked again.
func TestTryStart_BlockedOnMissingDependency(t *testing.T) {
	wf, rec := lunch(t)

	st, err := wf.TryStart("order")
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, st)

	blocked := payloadsOf[events.StepBlocked](rec)
	require.Len(t, blocked, 1)
	assert.Equal(t, events.StepID("order"), blocked[0].StepID)
	assert.Equal(t, []events.StepID{"weather"}, blocked[0].MissingDependencies)
	assert.NotEmpty(t, blocked[0].Reason)
	require.Len(t, payloadsOf[events.WorkflowStarted](rec), 1)

	start(t, wf, "locate")
	complete(t, rec, wf, "locate", "current_location", map[string]any{"location": "Lima"})
	st, _ = wf.State("order")
	assert.Equal(t, StateBlocked, st, "weather is still outstanding")

	start(t, wf, "weather")
	complete(t, rec, wf, "weather", "get_weather", map[string]any{"weather": "Rainy", "temperature": 14.0})
	st, _ = wf.State("order")
	assert.Equal(t, StatePending, st)
	for _, p := range payloadsOf[events.StepStarted](rec) {
		assert.NotEqual(t, events.StepID("order"), p.StepID, "started without a call")
	}

	// The start is handed out exactly once.
	start(t, wf, "order")
	_, err = wf.TryStart("order")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEvaluate_NeverStarts(t *testing.T) {
	wf, rec := lunch(t)

	st, err := wf.Evaluate("locate")
	require.NoError(t, err)
	assert.Equal(t, StatePending, st, "a startable step stays pending")
	st, err = wf.Evaluate("order")
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, st)
	require.Len(t, payloadsOf[events.StepBlocked](rec), 1)
	_, err = wf.Evaluate("ghost")
	assert.ErrorIs(t, err, ErrUnknownStep)
	assert.Empty(t, payloadsOf[events.StepStarted](rec))

	start(t, wf, "locate")
	st, err = wf.Evaluate("locate")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateStarted, st)

	complete(t, rec, wf, "locate", "current_location", map[string]any{"location": "Lima"})
	start(t, wf, "weather")
	complete(t, rec, wf, "weather", "get_weather", map[string]any{"weather": "Sunny"})
	st, err = wf.Evaluate("umbrella")
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, st)
	st, err = wf.Evaluate("order")
	require.NoError(t, err)
	assert.Equal(t, StatePending, st)
}

func TestRun_ToCompletion(t *testing.T) {
	for _, tc := range []struct {
		weather  string
		umbrella State
	}{
		{"Rainy", StateStarted},
		{"Sunny", StateSkipped},
	} {
		t.Run(tc.weather, func(t *testing.T) {
			wf, rec := lunch(t)
			start(t, wf, "locate")
			complete(t, rec, wf, "locate", "current_location", map[string]any{"location": "Lima"})
			start(t, wf, "weather")
			complete(t, rec, wf, "weather", "get_weather", map[string]any{"weather": tc.weather, "temperature": 20.0})

			st, err := wf.TryStart("umbrella")
			require.NoError(t, err)
			assert.Equal(t, tc.umbrella, st)
			if st == StateStarted {
				complete(t, rec, wf, "umbrella", "", "take one")
			}

			start(t, wf, "order")
			complete(t, rec, wf, "order", "order_food", map[string]any{"food": "soup", "comment": "warm"})

			done := payloadsOf[events.WorkflowCompleted](rec)
			require.Len(t, done, 1)
			assert.Equal(t, "completed", done[0].Status)
			assert.Equal(t, StatusCompleted, wf.Snapshot().Status)

			steps := payloadsOf[events.StepCompleted](rec)
			assert.Equal(t, events.CallID("call-order"), steps[len(steps)-1].CallID)
		})
	}
}

func TestHandleExecution_FailureSkipsRequiringDependents(t *testing.T) {
	wf, rec := lunch(t)
	start(t, wf, "locate")
	complete(t, rec, wf, "locate", "current_location", map[string]any{"location": "Lima"})
	st, err := wf.TryStart("order")
	require.NoError(t, err)
	require.Equal(t, StateBlocked, st)

	start(t, wf, "weather")
	fail(t, rec, wf, "weather", "get_weather")

	snap := wf.Snapshot()
	want := map[events.StepID]State{"locate": StateCompleted, "weather": StateFailed, "order": StateSkipped, "umbrella": StateSkipped}
	for _, s := range snap.Steps {
		assert.Equal(t, want[s.ID], s.State, s.ID)
	}
	assert.Equal(t, "upstream unavailable", snap.Steps[1].Reason)
	assert.Contains(t, snap.Steps[2].Reason, "weather is FAILED")

	done := payloadsOf[events.WorkflowCompleted](rec)
	require.Len(t, done, 1)
	assert.Equal(t, events.WorkflowCompleted{Name: "lunch", Status: "failed", Completed: 1, Skipped: 2, Failed: 1}, done[0])
	assert.Empty(t, payloadsOf[events.StepStarted](rec)[2:], "no step started after the failure")
}

func TestTryStart_OptionalDependencyDoesNotGate(t *testing.T) {
	rec := recorder.New()
	defer rec.Close()
	def := load(t, "name: opt\nsteps:\n  - id: hint\n    required: false\n  - id: main\n    depends_on: [hint]\n")
	wf, err := New(def, nil, nil, rec, "s")
	require.NoError(t, err)

	start(t, wf, "main")
	require.NoError(t, wf.Skip("hint", "not needed"))
	st, _ := wf.State("main")
	assert.Equal(t, StateStarted, st)
}

func TestHandleExecution_Rejects(t *testing.T) {
	wf, rec := lunch(t)

	env := rec.Emit("s", events.ToolExecutionCompleted{Tool: "get_weather", StepID: "weather"}, recorder.InWorkflow(wf.ID()))
	assert.ErrorIs(t, wf.HandleExecution(env), ErrInvalidTransition, "step never started")

	env = rec.Emit("s", events.ToolExecutionCompleted{Tool: "x", StepID: "nope"}, recorder.InWorkflow(wf.ID()))
	assert.ErrorIs(t, wf.HandleExecution(env), ErrUnknownStep)

	start(t, wf, "locate")
	env = rec.Emit("s", events.ToolExecutionCompleted{Tool: "get_weather", StepID: "locate"}, recorder.InWorkflow(wf.ID()))
	assert.ErrorIs(t, wf.HandleExecution(env), ErrInvalidTransition, "wrong tool")

	env = rec.Emit("s", events.ToolExecutionCompleted{Tool: "current_location", StepID: "locate"}, recorder.InWorkflow("other"))
	assert.NoError(t, wf.HandleExecution(env))
	env = rec.Emit("s", events.StepStarted{StepID: "locate"})
	assert.NoError(t, wf.HandleExecution(env))

	st, _ := wf.State("locate")
	assert.Equal(t, StateStarted, st)
}

func TestSkip(t *testing.T) {
	wf, rec := lunch(t)
	require.NoError(t, wf.Skip("umbrella", "no umbrellas left"))
	assert.ErrorIs(t, wf.Skip("umbrella", "again"), ErrInvalidTransition)
	assert.ErrorIs(t, wf.Skip("ghost", "x"), ErrUnknownStep)

	skipped := payloadsOf[events.StepSkipped](rec)
	require.Len(t, skipped, 1)
	assert.Equal(t, events.StepSkipped{StepID: "umbrella", Reason: "no umbrellas left"}, skipped[0])
}

func TestHalt(t *testing.T) {
	wf, rec := lunch(t)
	start(t, wf, "locate")
	_, err := wf.TryStart("order")
	require.NoError(t, err)

	unresolved := wf.Halt("user cancelled")
	assert.Equal(t, []events.StepID{"locate", "weather", "order", "umbrella"}, unresolved)
	assert.Nil(t, wf.Halt("twice"))

	for _, s := range payloadsOf[events.StepSkipped](rec) {
		assert.Equal(t, "halted: user cancelled", s.Reason)
	}
	_, err = wf.TryStart("weather")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// The in-flight step still resolves from its ground-truth event.
	complete(t, rec, wf, "locate", "current_location", map[string]any{"location": "Lima"})
	st, _ := wf.State("locate")
	assert.Equal(t, StateCompleted, st)

	done := payloadsOf[events.WorkflowCompleted](rec)
	require.Len(t, done, 1)
	assert.Equal(t, "halted", done[0].Status)
	assert.Equal(t, StatusHalted, wf.Snapshot().Status)
}

// Concurrent completion of two dependencies releases their common dependent
// once, and concurrent starts hand it out once.
func TestHandleExecution_ConcurrentCompletionsStartOnce(t *testing.T) {
	def := load(t, "name: join\nsteps:\n  - id: a\n  - id: b\n  - id: c\n    depends_on: [a, b]\n")
	for i := 0; i < 50; i++ {
		rec := recorder.New()
		wf, err := New(def, nil, nil, rec, "s")
		require.NoError(t, err)
		start(t, wf, "a")
		start(t, wf, "b")
		st, err := wf.TryStart("c")
		require.NoError(t, err)
		require.Equal(t, StateBlocked, st)

		var wg sync.WaitGroup
		for _, step := range []string{"a", "b"} {
			wg.Add(1)
			go func(step string) {
				defer wg.Done()
				env := rec.Emit("s", events.ToolExecutionCompleted{Tool: "t", StepID: events.StepID(step)}, recorder.InWorkflow(wf.ID()))
				assert.NoError(t, wf.HandleExecution(env))
			}(step)
		}
		wg.Wait()
		st, _ = wf.State("c")
		require.Equal(t, StatePending, st, "iteration %d", i)

		var starts sync.WaitGroup
		var mu sync.Mutex
		granted := 0
		for j := 0; j < 4; j++ {
			starts.Add(1)
			go func() {
				defer starts.Done()
				if st, err := wf.TryStart("c"); err == nil && st == StateStarted {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}()
		}
		starts.Wait()
		require.Equal(t, 1, granted, "iteration %d", i)

		startedC := 0
		for _, p := range payloadsOf[events.StepStarted](rec) {
			if p.StepID == "c" {
				startedC++
			}
		}
		require.Equal(t, 1, startedC, "iteration %d", i)
		rec.Close()
	}
}
