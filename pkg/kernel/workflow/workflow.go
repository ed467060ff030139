// Package workflow runs the step state machine of one workflow. Steps move
// PENDING -> STARTED -> COMPLETED, may be BLOCKED on dependencies or
// SKIPPED, and a started step whose execution fails ends FAILED. Only
// ground-truth execution events complete or fail a step.
package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ormasoftchile/syrin/pkg/kernel/deps"
	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
)

var (
	// ErrInvalidTransition is returned for a transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid step transition")
	// ErrUnknownStep is returned for a step id the workflow does not define.
	ErrUnknownStep = errors.New("unknown step")
)

// State is a step state.
type State string

const (
	StatePending   State = "PENDING"
	StateStarted   State = "STARTED"
	StateCompleted State = "COMPLETED"
	StateBlocked   State = "BLOCKED"
	StateSkipped   State = "SKIPPED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateSkipped || s == StateFailed
}

// Step is the observable state of one step.
type Step struct {
	ID         events.StepID   `json:"id"`
	Name       string          `json:"name,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Required   bool            `json:"required"`
	DependsOn  []events.StepID `json:"depends_on,omitempty"`
	State      State           `json:"state"`
	Reason     string          `json:"reason,omitempty"`
	Missing    []events.StepID `json:"missing,omitempty"`
	CallID     events.CallID   `json:"call_id,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Result     any             `json:"result,omitempty"`
}

type conditionProgram struct {
	src     string
	program *vm.Program
}

type node struct {
	Step
	skipWhen *conditionProgram
}

// Status is the workflow-level outcome.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusHalted    Status = "halted"
)

// Snapshot is a consistent copy of the workflow state.
type Snapshot struct {
	ID     events.WorkflowID `json:"id"`
	Name   string            `json:"name"`
	Status Status            `json:"status"`
	Steps  []Step            `json:"steps"`
}

// Workflow owns the step states of one workflow run. All mutation happens
// under one mutex so concurrent completions cannot start a step twice.
type Workflow struct {
	id     events.WorkflowID
	sid    events.SessionID
	name   string
	em     recorder.Emitter
	logger *slog.Logger
	graph  *deps.Graph

	mu      sync.Mutex
	nodes   []*node
	index   map[events.StepID]int
	started bool
	status  Status
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// WithID fixes the workflow id instead of generating one.
func WithID(id events.WorkflowID) Option {
	return func(w *Workflow) { w.id = id }
}

// New builds a workflow from its definition. Declared dependencies are
// merged with inferred tool dependencies: a step bound to tool T depends on
// every step bound to a provider of T. A cycle in the result is fatal and
// returned as a *deps.CycleError; nothing is emitted in that case.
func New(def *Definition, tools []registry.NormalizedTool, inferred []deps.Match, em recorder.Emitter, sid events.SessionID, opts ...Option) (*Workflow, error) {
	if def == nil {
		return nil, errors.New("nil workflow definition")
	}
	if err := def.Validate(tools); err != nil {
		return nil, fmt.Errorf("invalid workflow %q: %w", def.Name, err)
	}
	w := &Workflow{
		sid:    sid,
		name:   def.Name,
		em:     em,
		logger: slog.Default().With("component", "workflow"),
		index:  make(map[events.StepID]int, len(def.Steps)),
		status: StatusRunning,
	}
	for _, o := range opts {
		o(w)
	}
	if w.id == "" {
		w.id = events.NewWorkflowID()
	}

	byTool := map[string][]events.StepID{}
	for _, s := range def.Steps {
		if s.Tool != "" {
			byTool[s.Tool] = append(byTool[s.Tool], s.ID)
		}
	}
	names := make([]string, len(def.Steps))
	edges := map[string][]string{}
	for i, s := range def.Steps {
		names[i] = string(s.ID)
		dependsOn := slices.Clone(s.DependsOn)
		for _, m := range inferred {
			if s.Tool == "" || m.Tool != s.Tool {
				continue
			}
			for _, p := range byTool[m.Provider] {
				if p != s.ID && !slices.Contains(dependsOn, p) {
					dependsOn = append(dependsOn, p)
				}
			}
		}
		for _, d := range dependsOn {
			edges[names[i]] = append(edges[names[i]], string(d))
		}

		n := &node{Step: Step{
			ID:        s.ID,
			Name:      s.Name,
			Tool:      s.Tool,
			Required:  s.IsRequired(),
			DependsOn: dependsOn,
			State:     StatePending,
		}}
		if s.SkipWhen != "" {
			n.skipWhen, _ = compileCondition(s.SkipWhen) // checked by Validate
		}
		w.index[s.ID] = i
		w.nodes = append(w.nodes, n)
	}

	g, err := deps.NewGraph(names, edges)
	if err != nil {
		w.logger.Error("workflow rejected", "workflow", def.Name, "error", err)
		return nil, err
	}
	w.graph = g
	return w, nil
}

// ID returns the workflow id.
func (w *Workflow) ID() events.WorkflowID { return w.id }

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Order returns step ids with every dependency before its dependents.
func (w *Workflow) Order() []events.StepID {
	var out []events.StepID
	for _, n := range w.graph.TopoOrder() {
		out = append(out, events.StepID(n))
	}
	return out
}

func (w *Workflow) emit(p events.Payload) {
	w.em.Emit(w.sid, p, recorder.InWorkflow(w.id))
}

// Start emits WORKFLOW_STARTED. It is implied by the first TryStart.
func (w *Workflow) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("%w: workflow %q already started", ErrInvalidTransition, w.name)
	}
	w.startLocked()
	return nil
}

func (w *Workflow) startLocked() {
	w.started = true
	w.emit(events.WorkflowStarted{Name: w.name, Steps: w.Order()})
}

func (w *Workflow) lookup(id events.StepID) (*node, error) {
	i, ok := w.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, id)
	}
	return w.nodes[i], nil
}

// TryStart asks to start a step. A step whose required dependencies are not
// all COMPLETED becomes BLOCKED and STEP_BLOCKED names them; it returns to
// PENDING once they complete and must be asked for again. A step that can
// never start is SKIPPED. The returned state is the step's state afterwards;
// only StateStarted allows the caller to execute the step, and each start is
// handed out once.
func (w *Workflow) TryStart(id events.StepID) (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.lookup(id)
	if err != nil {
		return "", err
	}
	if w.status == StatusHalted {
		return n.State, fmt.Errorf("%w: workflow %q halted", ErrInvalidTransition, w.name)
	}
	if !w.started {
		w.startLocked()
	}
	if n.State != StatePending && n.State != StateBlocked {
		return n.State, fmt.Errorf("%w: step %q is %s", ErrInvalidTransition, id, n.State)
	}
	w.evaluate(n, true, true)
	w.finishIfDone()
	return n.State, nil
}

// Evaluate re-evaluates a PENDING or BLOCKED step without starting it: the
// step becomes BLOCKED or SKIPPED as TryStart would, and stays PENDING when it
// could start. Callers check a step this way before committing resources to
// a call for it.
func (w *Workflow) Evaluate(id events.StepID) (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.lookup(id)
	if err != nil {
		return "", err
	}
	if w.status == StatusHalted {
		return n.State, fmt.Errorf("%w: workflow %q halted", ErrInvalidTransition, w.name)
	}
	if n.State != StatePending && n.State != StateBlocked {
		return n.State, fmt.Errorf("%w: step %q is %s", ErrInvalidTransition, id, n.State)
	}
	if !w.started {
		w.startLocked()
	}
	w.evaluate(n, true, false)
	w.finishIfDone()
	return n.State, nil
}

// assess decides where a PENDING or BLOCKED step goes next: SKIPPED when a
// required dependency can no longer complete or its condition holds, BLOCKED
// while a required dependency is outstanding, STARTED otherwise. A failing
// condition is returned and does not skip the step.
func (w *Workflow) assess(n *node) (next State, missing []events.StepID, reason string, condErr error) {
	for _, d := range n.DependsOn {
		dep := w.nodes[w.index[d]]
		if !dep.Required || dep.State == StateCompleted {
			continue
		}
		if dep.State.Terminal() {
			return StateSkipped, nil, fmt.Sprintf("required dependency %s is %s", dep.ID, dep.State), nil
		}
		missing = append(missing, dep.ID)
	}
	if len(missing) > 0 {
		return StateBlocked, missing, "waiting on dependencies", nil
	}
	if n.skipWhen != nil {
		skip, err := w.condition(n.skipWhen)
		if err != nil {
			return StateStarted, nil, "", err
		}
		if skip {
			return StateSkipped, nil, fmt.Sprintf("skip_when %q matched", n.skipWhen.src), nil
		}
	}
	return StateStarted, nil, "", nil
}

// evaluate applies assess to n. reportBlocked controls whether a
// still-blocked step emits STEP_BLOCKED again. Without start, a step that
// could start goes back to PENDING instead.
func (w *Workflow) evaluate(n *node, reportBlocked, start bool) {
	next, missing, reason, condErr := w.assess(n)
	if condErr != nil {
		w.logger.Warn("skip condition failed", "step", n.ID, "error", condErr)
		w.emit(events.RuntimeError{Component: "workflow", Error: fmt.Sprintf("step %s skip_when: %v", n.ID, condErr)})
	}
	switch next {
	case StateSkipped:
		w.skip(n, reason)
	case StateBlocked:
		changed := n.State != StateBlocked || !slices.Equal(n.Missing, missing)
		n.State = StateBlocked
		n.Missing = missing
		n.Reason = reason
		if reportBlocked || changed {
			w.emit(events.StepBlocked{StepID: n.ID, MissingDependencies: missing, Reason: reason})
		}
	default:
		n.Missing = nil
		n.Reason = ""
		if !start {
			n.State = StatePending
			return
		}
		n.State = StateStarted
		w.emit(events.StepStarted{StepID: n.ID, StepName: n.Name, Tool: n.Tool})
	}
}

func (w *Workflow) condition(c *conditionProgram) (bool, error) {
	steps := make(map[string]any, len(w.nodes))
	for _, n := range w.nodes {
		steps[string(n.ID)] = map[string]any{
			"state":    string(n.State),
			"required": n.Required,
			"result":   n.Result,
		}
	}
	out, err := expr.Run(c.program, conditionEnv(steps))
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", c.src, out)
	}
	return b, nil
}

// skip marks n SKIPPED and cascades to dependents that required it.
func (w *Workflow) skip(n *node, reason string) {
	n.State = StateSkipped
	n.Reason = reason
	n.Missing = nil
	w.emit(events.StepSkipped{StepID: n.ID, Reason: reason})
	w.settleDependents(n)
}

// settleDependents re-evaluates BLOCKED dependents of n, and skips pending
// dependents that required n when n can no longer complete. A dependent is
// never started here: no call is in flight for it.
func (w *Workflow) settleDependents(n *node) {
	for _, name := range w.graph.Dependents(string(n.ID)) {
		d := w.nodes[w.index[events.StepID(name)]]
		switch {
		case d.State == StateBlocked:
			w.evaluate(d, false, false)
		case d.State == StatePending && n.Required && n.State != StateCompleted:
			w.skip(d, fmt.Sprintf("required dependency %s is %s", n.ID, n.State))
		}
	}
}

// Skip marks a PENDING or BLOCKED step SKIPPED.
func (w *Workflow) Skip(id events.StepID, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.lookup(id)
	if err != nil {
		return err
	}
	if n.State != StatePending && n.State != StateBlocked {
		return fmt.Errorf("%w: cannot skip step %q in state %s", ErrInvalidTransition, id, n.State)
	}
	w.skip(n, reason)
	w.finishIfDone()
	return nil
}

// HandleExecution applies a ground-truth execution event. Events that are not
// TOOL_EXECUTION_COMPLETED or TOOL_EXECUTION_FAILED, carry no step id, or
// belong to another workflow are ignored.
func (w *Workflow) HandleExecution(env events.Envelope) error {
	var (
		stepID events.StepID
		tool   string
	)
	switch p := env.Payload.(type) {
	case events.ToolExecutionCompleted:
		stepID, tool = p.StepID, p.Tool
	case events.ToolExecutionFailed:
		stepID, tool = p.StepID, p.Tool
	default:
		return nil
	}
	if stepID == "" || (env.WorkflowID != "" && env.WorkflowID != w.id) {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.lookup(stepID)
	if err != nil {
		return err
	}
	if n.State != StateStarted {
		return fmt.Errorf("%w: execution result for step %q in state %s", ErrInvalidTransition, stepID, n.State)
	}
	if n.Tool != "" && n.Tool != tool {
		return fmt.Errorf("%w: step %q is bound to %s, got a result from %s", ErrInvalidTransition, stepID, n.Tool, tool)
	}

	switch p := env.Payload.(type) {
	case events.ToolExecutionCompleted:
		n.State = StateCompleted
		n.CallID = p.CallID
		n.DurationMs = p.DurationMs
		n.Result = p.Result
		w.emit(events.StepCompleted{StepID: n.ID, Tool: p.Tool, CallID: p.CallID, DurationMs: p.DurationMs, Result: p.Result})
	case events.ToolExecutionFailed:
		n.State = StateFailed
		n.CallID = p.CallID
		n.DurationMs = p.DurationMs
		n.Reason = p.Error
	}
	w.settleDependents(n)
	w.finishIfDone()
	return nil
}

// finishIfDone emits WORKFLOW_COMPLETED once every step is terminal.
func (w *Workflow) finishIfDone() {
	if w.status != StatusRunning {
		return
	}
	var completed, skipped, failed int
	for _, n := range w.nodes {
		switch n.State {
		case StateCompleted:
			completed++
		case StateSkipped:
			skipped++
		case StateFailed:
			failed++
		default:
			return
		}
	}
	w.status = StatusCompleted
	if failed > 0 {
		w.status = StatusFailed
	}
	w.emit(events.WorkflowCompleted{Name: w.name, Status: string(w.status), Completed: completed, Skipped: skipped, Failed: failed})
}

// Halt stops the workflow: PENDING and BLOCKED steps are skipped with the
// halt reason, STARTED steps keep waiting for their terminal execution
// event. It returns the steps that were unresolved at the time.
func (w *Workflow) Halt(reason string) []events.StepID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusRunning {
		return nil
	}
	var unresolved []events.StepID
	var completed, skipped, failed int
	for _, n := range w.nodes {
		switch n.State {
		case StatePending, StateBlocked:
			unresolved = append(unresolved, n.ID)
			n.State = StateSkipped
			n.Reason = "halted: " + reason
			n.Missing = nil
			w.emit(events.StepSkipped{StepID: n.ID, Reason: n.Reason})
			skipped++
		case StateStarted:
			unresolved = append(unresolved, n.ID)
		case StateCompleted:
			completed++
		case StateSkipped:
			skipped++
		case StateFailed:
			failed++
		}
	}
	w.status = StatusHalted
	w.emit(events.WorkflowCompleted{Name: w.name, Status: string(StatusHalted), Completed: completed, Skipped: skipped, Failed: failed})
	return unresolved
}

// State returns the state of one step.
func (w *Workflow) State(id events.StepID) (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.lookup(id)
	if err != nil {
		return "", err
	}
	return n.State, nil
}

// Snapshot copies the current state, steps in definition order.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{ID: w.id, Name: w.name, Status: w.status, Steps: make([]Step, len(w.nodes))}
	for i, n := range w.nodes {
		st := n.Step
		st.DependsOn = slices.Clone(n.DependsOn)
		st.Missing = slices.Clone(n.Missing)
		s.Steps[i] = st
	}
	return s
}
