// Package session runs one agent session: it records model activity, routes
// every proposed tool call through the guardrail, executes the authorized
// ones, and feeds ground-truth outcomes to the workflow and the behavioral
// rules.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ormasoftchile/syrin/pkg/kernel/deps"
	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/executor"
	"github.com/ormasoftchile/syrin/pkg/kernel/guardrail"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
	"github.com/ormasoftchile/syrin/pkg/kernel/rules"
	"github.com/ormasoftchile/syrin/pkg/kernel/workflow"
)

var (
	// ErrHalted is returned for any activity after Halt.
	ErrHalted = errors.New("session halted")
	// ErrCompleted is returned for any activity after Complete.
	ErrCompleted = errors.New("session completed")
)

// Config configures a session.
type Config struct {
	ID        events.SessionID  // generated when empty
	Transport string            // recorded on SESSION_STARTED
	Metadata  map[string]string // recorded on SESSION_STARTED
	Policy    *guardrail.Policy // nil means guardrail.DefaultPolicy
	Executor  []executor.Option
	Rules     *rules.Engine // nil means rules.Default
	Logger    *slog.Logger
}

// Status of a proposal.
const (
	StatusRejected  = "rejected"  // the guardrail refused the call
	StatusBlocked   = "blocked"   // the workflow step cannot start yet
	StatusSkipped   = "skipped"   // the workflow step was skipped
	StatusCompleted = "completed" // executed and completed
	StatusFailed    = "failed"    // executed and failed
)

// ProposalResult is the outcome of one proposed call.
type ProposalResult struct {
	CallID      events.CallID
	Status      string
	Validation  guardrail.ValidationResult
	StepState   workflow.State
	Outcome     *executor.Outcome
	Diagnostics []rules.Diagnostic
}

// Session is one agent session. It is safe for concurrent use.
type Session struct {
	id        events.SessionID
	em        recorder.Emitter
	tools     []registry.NormalizedTool
	validator *guardrail.Validator
	exec      *executor.Executor
	rules     *rules.Engine
	logger    *slog.Logger
	started   time.Time

	// ctx is cancelled by Halt and parents every execution.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workflows   map[events.WorkflowID]*workflow.Workflow
	inflight    int
	halted      bool
	completed   bool
	diagnostics []rules.Diagnostic
}

// New starts a session over the given tools and emits SESSION_STARTED.
func New(tools []registry.NormalizedTool, caller executor.Caller, em recorder.Emitter, cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = events.NewSessionID()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rules == nil {
		cfg.Rules = rules.Default()
	}
	policy := guardrail.DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	logger := cfg.Logger.With("component", "session", "session", string(cfg.ID))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        cfg.ID,
		em:        em,
		tools:     tools,
		validator: guardrail.New(tools, policy, em, guardrail.WithLogger(cfg.Logger.With("component", "guardrail"))),
		exec:      executor.New(caller, em, append([]executor.Option{executor.WithLogger(cfg.Logger.With("component", "executor"))}, cfg.Executor...)...),
		rules:     cfg.Rules,
		logger:    logger,
		started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		workflows: map[events.WorkflowID]*workflow.Workflow{},
	}
	em.Emit(s.id, events.SessionStarted{Transport: cfg.Transport, Metadata: cfg.Metadata})
	return s
}

// ID returns the session id.
func (s *Session) ID() events.SessionID { return s.id }

// Validator exposes the session's guardrail, e.g. for its counters.
func (s *Session) Validator() *guardrail.Validator { return s.validator }

// Diagnostics returns the behavioral diagnostics raised so far.
func (s *Session) Diagnostics() []rules.Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rules.Diagnostic(nil), s.diagnostics...)
}

func (s *Session) usable() error {
	switch {
	case s.halted:
		return ErrHalted
	case s.completed:
		return ErrCompleted
	}
	return nil
}

// AddWorkflow builds a workflow bound to this session. A dependency cycle is
// returned as a *deps.CycleError and the workflow is not added.
func (s *Session) AddWorkflow(def *workflow.Definition, inferred []deps.Match) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	wf, err := workflow.New(def, s.tools, inferred, s.em, s.id, workflow.WithLogger(s.logger))
	if err != nil {
		s.em.Emit(s.id, events.RuntimeError{Component: "workflow", Error: err.Error()})
		return nil, err
	}
	s.workflows[wf.ID()] = wf
	return wf, nil
}

// Workflow returns a workflow added to this session.
func (s *Session) Workflow(id events.WorkflowID) (*workflow.Workflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	return wf, ok
}

// RecordContext records that a model context was assembled.
func (s *Session) RecordContext(prompt events.PromptID, messages, tools, tokens int) error {
	if err := s.check(); err != nil {
		return err
	}
	s.em.Emit(s.id, events.LLMContextBuilt{MessageCount: messages, ToolCount: tools, TokenEstimate: tokens}, recorder.ForPrompt(prompt))
	return nil
}

// RecordRequest records that a request was sent to the model.
func (s *Session) RecordRequest(prompt events.PromptID, model string, messages int) error {
	if err := s.check(); err != nil {
		return err
	}
	s.em.Emit(s.id, events.LLMRequestSent{Model: model, MessageCount: messages}, recorder.ForPrompt(prompt))
	return nil
}

// FinalResponse records the model's final answer.
func (s *Session) FinalResponse(prompt events.PromptID, text string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.em.Emit(s.id, events.LLMFinalResponseGenerated{Text: text}, recorder.ForPrompt(prompt))
	return nil
}

func (s *Session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usable()
}

// Propose handles one tool call proposed by the model. The proposal is
// recorded and its workflow step (if any) evaluated; a step that cannot start
// yet ends the proposal before validation. Only an authorized call whose step
// has started is executed. Rejections are results, not errors: the error
// is reserved for a halted session or a call naming an unknown workflow or
// step.
func (s *Session) Propose(ctx context.Context, prompt events.PromptID, call guardrail.ProposedCall) (ProposalResult, error) {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return ProposalResult{}, err
	}
	var wf *workflow.Workflow
	if call.WorkflowID != "" {
		var ok bool
		if wf, ok = s.workflows[call.WorkflowID]; !ok {
			s.mu.Unlock()
			return ProposalResult{}, fmt.Errorf("unknown workflow %q", call.WorkflowID)
		}
	}
	s.inflight++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	if call.CallID == "" {
		call.CallID = events.NewCallID()
	}
	res := ProposalResult{CallID: call.CallID}
	opts := []recorder.EmitOption{recorder.ForPrompt(prompt)}
	if wf != nil {
		opts = append(opts, recorder.InWorkflow(wf.ID()))
	}
	s.em.Emit(s.id, events.LLMProposedToolCall{
		CallID:    call.CallID,
		Tool:      call.Tool,
		Arguments: call.Arguments,
		StepID:    call.StepID,
	}, opts...)

	step := wf != nil && call.StepID != ""
	if step {
		// A step that cannot start yet never reaches the guardrail.
		st, err := wf.Evaluate(call.StepID)
		res.StepState = st
		if err != nil {
			return res, err
		}
		if st != workflow.StatePending {
			res.Status = refusal(st)
			return res, nil
		}
	}

	res.Validation = s.validator.Validate(s.id, call)
	if !res.Validation.Passed {
		res.Status = StatusRejected
		if step {
			res.StepState, _ = wf.State(call.StepID)
		}
		return res, nil
	}

	if step {
		st, err := wf.TryStart(call.StepID)
		res.StepState = st
		if err != nil {
			return res, err
		}
		if st != workflow.StateStarted {
			res.Status = refusal(st)
			return res, nil
		}
	}

	ectx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	out, err := s.exec.Execute(ectx, res.Validation.Authorization)
	stop()
	cancel()
	if err != nil {
		return res, err
	}
	res.Outcome = &out
	res.Status = StatusFailed
	if out.Completed {
		res.Status = StatusCompleted
	}

	if step {
		if err := wf.HandleExecution(out.Terminal); err != nil {
			s.logger.Error("workflow rejected execution result", "step", call.StepID, "error", err)
			s.em.Emit(s.id, events.RuntimeError{Component: "workflow", Error: err.Error()})
		}
		res.StepState, _ = wf.State(call.StepID)
	}

	res.Diagnostics = s.rules.RunBehavioral(out.Behavior)
	for _, d := range res.Diagnostics {
		s.em.Emit(s.id, d.Event())
	}
	if len(res.Diagnostics) > 0 {
		s.mu.Lock()
		s.diagnostics = append(s.diagnostics, res.Diagnostics...)
		s.mu.Unlock()
	}
	return res, nil
}

// sortedWorkflows returns the workflows by id. Callers hold s.mu.
func (s *Session) sortedWorkflows() []*workflow.Workflow {
	wfs := make([]*workflow.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		wfs = append(wfs, wf)
	}
	slices.SortFunc(wfs, func(a, b *workflow.Workflow) int { return strings.Compare(string(a.ID()), string(b.ID())) })
	return wfs
}

// Halt stops the session: in-flight executions are cancelled (each still
// ends in its terminal event), new activity is refused, and every workflow
// skips its unresolved steps. SESSION_HALTED lists what was unresolved.
func (s *Session) Halt(reason string) error {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.halted = true
	aborted := s.inflight
	wfs := s.sortedWorkflows()
	s.mu.Unlock()

	s.cancel()
	var unresolved []events.StepID
	for _, wf := range wfs {
		unresolved = append(unresolved, wf.Halt(reason)...)
	}
	s.logger.Warn("session halted", "reason", reason, "aborted_calls", aborted)
	s.em.Emit(s.id, events.SessionHalted{Reason: reason, AbortedCalls: aborted, UnresolvedSteps: unresolved})
	return nil
}

// Complete ends the session. The status is "failed" when a workflow failed
// or an error diagnostic was raised, "completed" otherwise.
func (s *Session) Complete() error {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.completed = true
	status := "completed"
	for _, d := range s.diagnostics {
		if d.Severity == rules.SeverityError {
			status = "failed"
		}
	}
	wfs := s.sortedWorkflows()
	s.mu.Unlock()

	for _, wf := range wfs {
		if wf.Snapshot().Status == workflow.StatusFailed {
			status = "failed"
		}
	}
	s.cancel()
	s.em.Emit(s.id, events.SessionCompleted{Status: status, DurationMs: time.Since(s.started).Milliseconds()})
	return nil
}

func refusal(st workflow.State) string {
	if st == workflow.StateSkipped {
		return StatusSkipped
	}
	return StatusBlocked
}
