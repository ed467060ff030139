// Package guardrail is the authority boundary between a model's proposed tool
// call and its execution. A call reaches the executor only with an
// Authorization issued here.
package guardrail

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
)

// Policy configures the checks. Zero limits are unlimited.
type Policy struct {
	MaxCallsPerTool    int            `yaml:"max_calls_per_tool" toml:"max_calls_per_tool" json:"max_calls_per_tool,omitempty"`
	ToolBudgets        map[string]int `yaml:"tool_budgets" toml:"tool_budgets" json:"tool_budgets,omitempty"`
	MaxCallsPerSession int            `yaml:"max_calls_per_session" toml:"max_calls_per_session" json:"max_calls_per_session,omitempty"`

	// LoopThreshold is how many identical calls the history may already hold
	// before the next one is a loop.
	LoopThreshold int `yaml:"loop_threshold" toml:"loop_threshold" json:"loop_threshold,omitempty"`
	HistorySize   int `yaml:"history_size" toml:"history_size" json:"history_size,omitempty"`

	// RatePerSecond and Burst shape a token bucket per session; zero disables it.
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second" json:"rate_per_second,omitempty"`
	Burst         int     `yaml:"burst" toml:"burst" json:"burst,omitempty"`
}

const (
	DefaultLoopThreshold = 2
	DefaultHistorySize   = 10
)

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{LoopThreshold: DefaultLoopThreshold, HistorySize: DefaultHistorySize}
}

// budgetFor returns the per-tool limit for tool.
func (p Policy) budgetFor(tool string) int {
	if n, ok := p.ToolBudgets[tool]; ok {
		return n
	}
	return p.MaxCallsPerTool
}

// ProposedCall is a tool call as the model proposed it.
type ProposedCall struct {
	CallID     events.CallID     `json:"call_id"`
	Tool       string            `json:"tool"`
	Arguments  map[string]any    `json:"arguments"`
	StepID     events.StepID     `json:"step_id,omitempty"`
	WorkflowID events.WorkflowID `json:"workflow_id,omitempty"`
}

// Check names the guardrail stage that decided a result.
type Check string

const (
	CheckSchema Check = "schema"
	CheckBudget Check = "budget"
	CheckRate   Check = "rate"
	CheckLoop   Check = "loop"
)

// ValidationResult is the outcome of one validation attempt.
type ValidationResult struct {
	Passed    bool   `json:"passed"`
	Reason    string `json:"reason,omitempty"`
	Check     Check  `json:"check,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Authorization is set only when Passed.
	Authorization *Authorization `json:"-"`
}

// Authorization is proof that a call passed validation. It can only be
// created by a Validator and is consumed by a single execution.
type Authorization struct {
	session   events.SessionID
	call      ProposedCall
	signature string
	tool      registry.NormalizedTool
	used      atomic.Bool
}

func (a *Authorization) SessionID() events.SessionID   { return a.session }
func (a *Authorization) Call() ProposedCall            { return a.call }
func (a *Authorization) Signature() string             { return a.signature }
func (a *Authorization) Tool() registry.NormalizedTool { return a.tool }

// Consume marks the authorization used. It reports false if it already was.
func (a *Authorization) Consume() bool {
	return a != nil && a.used.CompareAndSwap(false, true)
}

// state is the GuardrailState of one session. It is never reset.
type state struct {
	mu      sync.Mutex
	perTool map[string]int
	total   int
	history []string
	limiter *rate.Limiter
}

// Validator owns guardrail state for every session.
type Validator struct {
	policy  Policy
	em      recorder.Emitter
	logger  *slog.Logger
	idx     registry.Indexes
	schemas map[string]*registry.Schema

	mu       sync.Mutex
	sessions map[events.SessionID]*state
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New returns a validator for the given tools. Input schemas that fail to
// compile are reported and fall back to the normalized field check.
func New(tools []registry.NormalizedTool, policy Policy, em recorder.Emitter, opts ...Option) *Validator {
	if policy.LoopThreshold <= 0 {
		policy.LoopThreshold = DefaultLoopThreshold
	}
	if policy.HistorySize <= 0 {
		policy.HistorySize = DefaultHistorySize
	}
	v := &Validator{
		policy:   policy,
		em:       em,
		logger:   slog.Default().With("component", "guardrail"),
		idx:      registry.BuildIndexes(tools),
		schemas:  map[string]*registry.Schema{},
		sessions: map[events.SessionID]*state{},
	}
	for _, o := range opts {
		o(v)
	}
	for _, t := range tools {
		if len(t.InputSchema) == 0 {
			continue
		}
		sch, err := registry.CompileSchema(t.Name+"-input.json", t.InputSchema)
		if err != nil {
			v.logger.Warn("input schema does not compile", "tool", t.Name, "error", err)
			continue
		}
		v.schemas[t.Name] = sch
	}
	return v
}

// Policy returns the effective policy.
func (v *Validator) Policy() Policy { return v.policy }

func (v *Validator) session(sid events.SessionID) *state {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.sessions[sid]
	if !ok {
		st = &state{perTool: map[string]int{}}
		if v.policy.RatePerSecond > 0 {
			burst := v.policy.Burst
			if burst <= 0 {
				burst = 1
			}
			st.limiter = rate.NewLimiter(rate.Limit(v.policy.RatePerSecond), burst)
		}
		v.sessions[sid] = st
	}
	return st
}

// Validate runs schema, budget, then loop checks. The first failure stops
// the rest. Validations for one session are serialized.
func (v *Validator) Validate(sid events.SessionID, call ProposedCall) ValidationResult {
	opts := []recorder.EmitOption{}
	if call.WorkflowID != "" {
		opts = append(opts, recorder.InWorkflow(call.WorkflowID))
	}
	emit := func(p events.Payload) { v.em.Emit(sid, p, opts...) }

	st := v.session(sid)
	st.mu.Lock()
	defer st.mu.Unlock()

	emit(events.ToolCallValidationStarted{CallID: call.CallID, Tool: call.Tool})

	tool, ok := v.idx.Lookup(call.Tool)
	if !ok {
		reason := fmt.Sprintf("unknown tool %q", call.Tool)
		emit(events.ToolCallValidationFailed{CallID: call.CallID, Tool: call.Tool, Reason: reason})
		return ValidationResult{Reason: reason, Check: CheckSchema}
	}
	if violations := v.checkSchema(tool, call.Arguments); len(violations) > 0 {
		reason := "arguments do not match input schema"
		emit(events.ToolCallValidationFailed{CallID: call.CallID, Tool: call.Tool, Reason: reason, Violations: violations})
		return ValidationResult{Reason: reason, Check: CheckSchema}
	}

	st.perTool[call.Tool]++
	st.total++
	if limit := v.policy.budgetFor(call.Tool); limit > 0 && st.perTool[call.Tool] > limit {
		return v.overBudget(emit, call, "tool", limit, st.perTool[call.Tool], CheckBudget)
	}
	if limit := v.policy.MaxCallsPerSession; limit > 0 && st.total > limit {
		return v.overBudget(emit, call, "session", limit, st.total, CheckBudget)
	}
	if st.limiter != nil && !st.limiter.Allow() {
		return v.overBudget(emit, call, "rate", v.policy.Burst, st.total, CheckRate)
	}

	sig, err := Signature(call.Tool, call.Arguments)
	if err != nil {
		reason := fmt.Sprintf("arguments cannot be canonicalized: %v", err)
		emit(events.ToolCallValidationFailed{CallID: call.CallID, Tool: call.Tool, Reason: reason})
		return ValidationResult{Reason: reason, Check: CheckSchema}
	}
	repeats := 0
	for _, h := range st.history {
		if h == sig {
			repeats++
		}
	}
	st.history = append(st.history, sig)
	if len(st.history) > v.policy.HistorySize {
		st.history = st.history[len(st.history)-v.policy.HistorySize:]
	}
	if repeats >= v.policy.LoopThreshold {
		emit(events.ToolLoopDetected{
			CallID:      call.CallID,
			Tool:        call.Tool,
			Signature:   sig,
			Repetitions: repeats + 1,
			Threshold:   v.policy.LoopThreshold,
		})
		return ValidationResult{
			Reason:    fmt.Sprintf("identical call repeated %d times", repeats+1),
			Check:     CheckLoop,
			Signature: sig,
		}
	}

	emit(events.ToolCallValidationPassed{CallID: call.CallID, Tool: call.Tool, Signature: sig})
	return ValidationResult{
		Passed:    true,
		Signature: sig,
		Authorization: &Authorization{
			session:   sid,
			call:      call,
			signature: sig,
			tool:      *tool,
		},
	}
}

func (v *Validator) overBudget(emit func(events.Payload), call ProposedCall, scope string, limit, count int, check Check) ValidationResult {
	var reason string
	if scope == "rate" {
		reason = "call rate limit exceeded"
	} else {
		reason = fmt.Sprintf("%s call budget of %d exceeded", scope, limit)
	}
	emit(events.CallBudgetExceeded{
		CallID: call.CallID,
		Tool:   call.Tool,
		Scope:  scope,
		Limit:  limit,
		Count:  count,
		Reason: reason,
	})
	return ValidationResult{Reason: reason, Check: check}
}

// Counts returns the per-tool and total call counters for a session.
func (v *Validator) Counts(sid events.SessionID) (map[string]int, int) {
	st := v.session(sid)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]int, len(st.perTool))
	for k, n := range st.perTool {
		out[k] = n
	}
	return out, st.total
}
