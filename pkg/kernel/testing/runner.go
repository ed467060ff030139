package testing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ormasoftchile/syrin/pkg/analysis"
	"github.com/ormasoftchile/syrin/pkg/kernel/deps"
	"github.com/ormasoftchile/syrin/pkg/kernel/eval"
	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/executor"
	"github.com/ormasoftchile/syrin/pkg/kernel/guardrail"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
	"github.com/ormasoftchile/syrin/pkg/kernel/replay"
	"github.com/ormasoftchile/syrin/pkg/kernel/workflow"
	"github.com/ormasoftchile/syrin/pkg/session"
)

// TestResult is the result of running one scenario.
type TestResult struct {
	ScenarioName string            `json:"scenario_name"`
	SessionID    events.SessionID  `json:"session_id"`
	Status       string            `json:"status"` // passed, failed, skipped, error
	DurationMs   int64             `json:"duration_ms"`
	Assertions   []AssertionResult `json:"assertions,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// TestSummary aggregates counts across scenarios.
type TestSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// TestOutput is the top-level output of a test run.
type TestOutput struct {
	Root      string       `json:"root"`
	Scenarios []TestResult `json:"scenarios"`
	Summary   TestSummary  `json:"summary"`
}

// Runner executes scenario-based tests.
type Runner struct {
	Timeout  time.Duration
	FailFast bool

	// Recorder receives every session and test event. Nil means a private
	// in-memory recorder per run.
	Recorder *recorder.Recorder

	// Caller builds the caller a scenario executes against. Nil means the
	// scenario's canned responses.
	Caller func(*replay.Scenario) (executor.Caller, error)

	Logger *slog.Logger
}

// ScenarioInfo describes a discovered scenario directory.
type ScenarioInfo struct {
	Name string
	Dir  string
}

// DiscoverScenarios finds scenario directories under root: root itself when
// it holds a scenario.yaml, else each subdirectory that does.
func DiscoverScenarios(root string) ([]ScenarioInfo, error) {
	if _, err := os.Stat(filepath.Join(root, replay.ScenarioFile)); err == nil {
		return []ScenarioInfo{{Name: filepath.Base(root), Dir: root}}, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read scenarios dir: %w", err)
	}

	var scenarios []ScenarioInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		scenarioFile := filepath.Join(root, entry.Name(), replay.ScenarioFile)
		if _, err := os.Stat(scenarioFile); err == nil {
			scenarios = append(scenarios, ScenarioInfo{
				Name: entry.Name(),
				Dir:  filepath.Join(root, entry.Name()),
			})
		}
	}
	return scenarios, nil
}

// RunAll discovers and runs all scenarios under root.
func (r *Runner) RunAll(ctx context.Context, root string) (*TestOutput, error) {
	scenarios, err := DiscoverScenarios(root)
	if err != nil {
		return nil, err
	}
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("no scenarios under %s", root)
	}

	output := &TestOutput{Root: root}
	for _, si := range scenarios {
		result := r.runScenario(ctx, si)
		output.Scenarios = append(output.Scenarios, result)

		switch result.Status {
		case "passed":
			output.Summary.Passed++
		case "failed":
			output.Summary.Failed++
		case "skipped":
			output.Summary.Skipped++
		case "error":
			output.Summary.Errors++
		}
		output.Summary.Total++

		if r.FailFast && (result.Status == "failed" || result.Status == "error") {
			break
		}
	}
	return output, nil
}

// RunScenario runs the scenario in dir.
func (r *Runner) RunScenario(ctx context.Context, dir string) TestResult {
	return r.runScenario(ctx, ScenarioInfo{Name: filepath.Base(dir), Dir: dir})
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// runScenario replays a single scenario through a session and evaluates
// its test spec. The run is bracketed by TEST_STARTED and TEST_COMPLETED,
// with one ASSERTION_* event per assertion.
func (r *Runner) runScenario(ctx context.Context, si ScenarioInfo) TestResult {
	start := time.Now()
	rec := r.Recorder
	if rec == nil {
		rec = recorder.New(recorder.WithLogger(r.logger()))
		defer rec.Close()
	}
	sid := events.NewSessionID()
	result := TestResult{ScenarioName: si.Name, SessionID: sid}
	rec.Emit(sid, events.TestStarted{Name: si.Name})

	finish := func(status string, err error) TestResult {
		result.Status = status
		result.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			result.Error = err.Error()
		}
		var passed, failed int
		for _, a := range result.Assertions {
			if a.Passed {
				passed++
			} else {
				failed++
			}
		}
		rec.Emit(sid, events.TestCompleted{
			Name:       si.Name,
			Status:     status,
			Passed:     passed,
			Failed:     failed,
			DurationMs: result.DurationMs,
		})
		return result
	}

	sc, err := replay.LoadScenarioDir(si.Dir)
	if err != nil {
		return finish("error", fmt.Errorf("load scenario: %w", err))
	}

	// Without a test.yaml there is nothing to assert.
	specPath := filepath.Join(si.Dir, TestFile)
	if _, err := os.Stat(specPath); err != nil {
		return finish("skipped", nil)
	}
	spec, err := LoadTestSpec(specPath)
	if err != nil {
		return finish("error", fmt.Errorf("load test spec: %w", err))
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	run, err := r.replay(ctx, rec, sid, sc)
	if err != nil {
		return finish("error", err)
	}

	result.Assertions = Evaluate(spec, run)
	for _, a := range result.Assertions {
		if a.Passed {
			rec.Emit(sid, events.AssertionPassed{Test: si.Name, Assertion: a.Name()})
		} else {
			rec.Emit(sid, events.AssertionFailed{Test: si.Name, Assertion: a.Name(), Expected: a.Expected, Actual: a.Actual})
		}
	}
	if HasFailures(result.Assertions) {
		return finish("failed", nil)
	}
	return finish("passed", nil)
}

// replay runs the scenario's proposals through a session. Proposal arguments
// may reference earlier outputs, e.g. "{{ .current_location.location }}".
// The returned error is for scenarios that cannot run at all; a workflow the
// session refuses is reported in RunResult.Error so tests can assert on it.
func (r *Runner) replay(ctx context.Context, rec *recorder.Recorder, sid events.SessionID, sc *replay.Scenario) (*RunResult, error) {
	raw, err := analysis.FileSource{Path: sc.Path(sc.Tools)}.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}
	tools, normErrs := registry.Normalize(raw)
	registry.Register(rec, sid, tools, normErrs)

	var caller executor.Caller = replay.NewCaller(sc)
	if r.Caller != nil {
		if caller, err = r.Caller(sc); err != nil {
			return nil, fmt.Errorf("build caller: %w", err)
		}
	}
	var execOpts []executor.Option
	if d, err := executor.ParseTimeout(sc.DefaultTimeout); err != nil {
		return nil, fmt.Errorf("default_timeout: %w", err)
	} else if d > 0 {
		execOpts = append(execOpts, executor.WithDefaultTimeout(d))
	}

	sess := session.New(tools, caller, rec, session.Config{
		ID:        sid,
		Transport: "replay",
		Metadata:  map[string]string{"scenario": sc.Name},
		Policy:    sc.Policy,
		Executor:  execOpts,
		Logger:    r.logger(),
	})

	run := &RunResult{Outputs: map[string]any{}}
	var wf *workflow.Workflow
	if sc.Workflow != "" {
		def, err := workflow.LoadFile(sc.Path(sc.Workflow))
		if err != nil {
			return nil, fmt.Errorf("load workflow: %w", err)
		}
		inferred := deps.Infer(tools, registry.BuildIndexes(tools), deps.Options{})
		if wf, err = sess.AddWorkflow(def, inferred); err != nil {
			run.Error = err
		}
	}

	// A refused workflow is fatal to the run; nothing is proposed.
	if run.Error == nil {
		propose(ctx, sess, wf, sc.Proposals, run)
	}
	if ctx.Err() != nil {
		_ = sess.Halt(ctx.Err().Error())
	} else if err := sess.Complete(); err != nil {
		return nil, err
	}

	if wf != nil {
		run.Steps = map[string]string{}
		for _, st := range wf.Snapshot().Steps {
			run.Steps[string(st.ID)] = string(st.State)
		}
	}
	summarize(run, rec.Events(sid))
	return run, nil
}

func propose(ctx context.Context, sess *session.Session, wf *workflow.Workflow, proposals []replay.Proposal, run *RunResult) {
	prompt := events.NewPromptID()
	scope := eval.Scope{}
	for i, p := range proposals {
		args, err := eval.ResolveArgs(p.Arguments, scope)
		if err != nil {
			run.Error = errors.Join(run.Error, fmt.Errorf("proposals[%d]: %w", i, err))
			continue
		}
		call := guardrail.ProposedCall{Tool: p.Tool, Arguments: args, StepID: p.Step}
		if p.Step != "" && wf != nil {
			call.WorkflowID = wf.ID()
		}
		res, err := sess.Propose(ctx, prompt, call)
		if errors.Is(err, session.ErrHalted) {
			return
		}
		if err != nil {
			run.Error = errors.Join(run.Error, fmt.Errorf("proposals[%d]: %w", i, err))
			continue
		}
		if res.Outcome != nil && res.Outcome.Completed && res.Outcome.Result != nil {
			scope.Set(p.Tool, res.Outcome.Result.Value())
			recordOutputs(run.Outputs, p.Tool, res.Outcome.Result)
		}
	}
}

func recordOutputs(outputs map[string]any, tool string, res *executor.ToolResult) {
	if res == nil {
		return
	}
	outputs[tool] = res.Value()
	if m, ok := res.Structured.(map[string]any); ok {
		for k, v := range m {
			outputs[tool+"."+k] = v
		}
	}
}

// summarize fills the event-derived parts of run from the session log.
func summarize(run *RunResult, log []events.Envelope) {
	run.EventCounts = map[string]int{}
	for _, env := range log {
		run.EventCounts[string(env.Type)]++
		switch p := env.Payload.(type) {
		case events.ToolExecutionStarted:
			run.Executed = append(run.Executed, p.Tool)
		case events.DiagnosticRaised:
			run.Diagnostics = append(run.Diagnostics, p.Code)
		case events.SessionCompleted:
			run.Status = p.Status
		case events.SessionHalted:
			run.Status = "halted"
		}
	}
	if run.Error != nil {
		run.Status = "error"
	}
}
