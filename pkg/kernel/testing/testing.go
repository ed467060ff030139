// Package testing implements the scenario-based test harness.
// It replays proposed tool calls against canned responses through a full
// session and evaluates assertions on the recorded outcome: session status,
// executed tools, step states, diagnostics, event counts and outputs.
package testing

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TestFile is the file name holding a scenario's assertions.
const TestFile = "test.yaml"

// TestSpec declares what to assert about a scenario replay result.
// All fields are optional; omitted fields produce no assertions.
type TestSpec struct {
	Description          string            `yaml:"description,omitempty" json:"description,omitempty"`
	ExpectedStatus       string            `yaml:"expected_status,omitempty" json:"expected_status,omitempty"` // completed, failed, error
	ExpectedError        string            `yaml:"expected_error,omitempty" json:"expected_error,omitempty"`   // substring or /regex/
	MustExecute          []string          `yaml:"must_execute,omitempty" json:"must_execute,omitempty"`       // tools that must reach the executor
	MustNotExecute       []string          `yaml:"must_not_execute,omitempty" json:"must_not_execute,omitempty"`
	ExpectedSteps        map[string]string `yaml:"expected_steps,omitempty" json:"expected_steps,omitempty"` // step id → state
	ExpectedDiagnostics  []string          `yaml:"expected_diagnostics,omitempty" json:"expected_diagnostics,omitempty"`
	ForbiddenDiagnostics []string          `yaml:"forbidden_diagnostics,omitempty" json:"forbidden_diagnostics,omitempty"`
	ExpectedEvents       map[string]int    `yaml:"expected_events,omitempty" json:"expected_events,omitempty"`   // event type → count
	ExpectedOutputs      map[string]string `yaml:"expected_outputs,omitempty" json:"expected_outputs,omitempty"` // tool or tool.field → value
	Tags                 []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// LoadTestSpec loads a test spec from a YAML file.
func LoadTestSpec(path string) (*TestSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read test spec: %w", err)
	}
	defer f.Close()
	return ParseTestSpec(f)
}

// ParseTestSpec parses test spec YAML, rejecting unknown fields.
func ParseTestSpec(r io.Reader) (*TestSpec, error) {
	var s TestSpec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse test spec: %w", err)
	}
	return &s, nil
}

// ---------------------------------------------------------------------------
// Run Result (input to assertion evaluator)
// ---------------------------------------------------------------------------

// RunResult captures execution data for assertion evaluation.
type RunResult struct {
	Status      string            // completed, failed, error
	Executed    []string          // tools in execution order
	Steps       map[string]string // step id → final state
	Diagnostics []string          // raised diagnostic codes, in order
	EventCounts map[string]int
	Outputs     map[string]any // "tool" and "tool.field" → last result
	Error       error
}

// ---------------------------------------------------------------------------
// Assertion Evaluation
// ---------------------------------------------------------------------------

// AssertionResult is the result of a single assertion.
type AssertionResult struct {
	Type     string `json:"type"` // expected_status, must_execute, expected_step, etc.
	Key      string `json:"key,omitempty"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
}

// Name identifies the assertion in events and reports.
func (a AssertionResult) Name() string {
	if a.Key == "" {
		return a.Type
	}
	return a.Type + ":" + a.Key
}

// Evaluate runs all assertions from a TestSpec against a RunResult. Map
// assertions are evaluated in key order so results are stable.
func Evaluate(spec *TestSpec, run *RunResult) []AssertionResult {
	var results []AssertionResult

	if spec.ExpectedStatus != "" {
		results = append(results, AssertionResult{
			Type:     "expected_status",
			Expected: spec.ExpectedStatus,
			Actual:   run.Status,
			Passed:   run.Status == spec.ExpectedStatus,
			Message:  fmt.Sprintf("status: expected %q, got %q", spec.ExpectedStatus, run.Status),
		})
	}

	if spec.ExpectedError != "" {
		actual := ""
		if run.Error != nil {
			actual = run.Error.Error()
		}
		results = append(results, AssertionResult{
			Type:     "expected_error",
			Expected: spec.ExpectedError,
			Actual:   actual,
			Passed:   actual != "" && matchError(spec.ExpectedError, actual),
			Message:  fmt.Sprintf("error: expected %q, got %q", spec.ExpectedError, actual),
		})
	}

	for _, tool := range spec.MustExecute {
		passed := slices.Contains(run.Executed, tool)
		results = append(results, AssertionResult{
			Type:     "must_execute",
			Key:      tool,
			Expected: "executed",
			Actual:   executedWord(passed),
			Passed:   passed,
			Message:  fmt.Sprintf("must_execute %q: %s", tool, executedWord(passed)),
		})
	}

	for _, tool := range spec.MustNotExecute {
		executed := slices.Contains(run.Executed, tool)
		results = append(results, AssertionResult{
			Type:     "must_not_execute",
			Key:      tool,
			Expected: "not executed",
			Actual:   executedWord(executed),
			Passed:   !executed,
			Message:  fmt.Sprintf("must_not_execute %q: %s", tool, executedWord(executed)),
		})
	}

	for _, step := range sortedKeys(spec.ExpectedSteps) {
		expected, actual := spec.ExpectedSteps[step], run.Steps[step]
		results = append(results, AssertionResult{
			Type:     "expected_step",
			Key:      step,
			Expected: expected,
			Actual:   actual,
			Passed:   strings.EqualFold(expected, actual),
			Message:  fmt.Sprintf("step %q: expected %s, got %s", step, expected, orNone(actual)),
		})
	}

	for _, code := range spec.ExpectedDiagnostics {
		raised := slices.Contains(run.Diagnostics, code)
		results = append(results, AssertionResult{
			Type:     "expected_diagnostic",
			Key:      code,
			Expected: "raised",
			Actual:   raisedWord(raised),
			Passed:   raised,
			Message:  fmt.Sprintf("diagnostic %s: %s", code, raisedWord(raised)),
		})
	}

	for _, code := range spec.ForbiddenDiagnostics {
		raised := slices.Contains(run.Diagnostics, code)
		results = append(results, AssertionResult{
			Type:     "forbidden_diagnostic",
			Key:      code,
			Expected: "not raised",
			Actual:   raisedWord(raised),
			Passed:   !raised,
			Message:  fmt.Sprintf("diagnostic %s: %s", code, raisedWord(raised)),
		})
	}

	for _, typ := range sortedKeys(spec.ExpectedEvents) {
		expected, actual := spec.ExpectedEvents[typ], run.EventCounts[typ]
		results = append(results, AssertionResult{
			Type:     "expected_events",
			Key:      typ,
			Expected: fmt.Sprint(expected),
			Actual:   fmt.Sprint(actual),
			Passed:   expected == actual,
			Message:  fmt.Sprintf("%s: expected %d, got %d", typ, expected, actual),
		})
	}

	for _, key := range sortedKeys(spec.ExpectedOutputs) {
		expected := spec.ExpectedOutputs[key]
		actual := ""
		if v, ok := run.Outputs[key]; ok {
			actual = fmt.Sprint(v)
		}
		passed := compareValue(expected, actual)
		results = append(results, AssertionResult{
			Type:     "expected_output",
			Key:      key,
			Expected: expected,
			Actual:   actual,
			Passed:   passed,
			Message:  fmt.Sprintf("output %q: expected %q, got %q", key, expected, actual),
		})
	}

	return results
}

// HasFailures returns true if any assertion failed.
func HasFailures(results []AssertionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

// compareValue supports two match modes:
//   - /pattern/ → regex match
//   - exact string equality (default)
func compareValue(expected, actual string) bool {
	if pattern, ok := regexPattern(expected); ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	}
	return expected == actual
}

// matchError is compareValue with substring matching in place of equality.
func matchError(expected, actual string) bool {
	if _, ok := regexPattern(expected); ok {
		return compareValue(expected, actual)
	}
	return strings.Contains(actual, expected)
}

func regexPattern(s string) (string, bool) {
	if strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") && len(s) > 2 {
		return s[1 : len(s)-1], true
	}
	return "", false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func executedWord(b bool) string {
	if b {
		return "executed"
	}
	return "not executed"
}

func raisedWord(b bool) string {
	if b {
		return "raised"
	}
	return "not raised"
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
