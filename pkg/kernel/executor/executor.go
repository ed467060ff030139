// Package executor runs authorized tool calls and reports their ground-truth
// outcome. Every started execution ends in exactly one terminal event.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/guardrail"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/rules"
)

// DefaultTimeout applies when a tool declares none.
const DefaultTimeout = 30 * time.Second

var (
	// ErrUnauthorized is returned for a call without an Authorization.
	ErrUnauthorized = errors.New("tool call was not authorized by the guardrail")
	// ErrAuthorizationUsed is returned when an Authorization is replayed.
	ErrAuthorizationUsed = errors.New("authorization already consumed")
)

// Caller performs the actual tool invocation, usually over MCP.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, name string, args map[string]any) (*ToolResult, error)

func (f CallerFunc) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	return f(ctx, name, args)
}

// ToolResult is what a tool returned.
type ToolResult struct {
	// Structured is the structured content, when the tool sent any.
	Structured any    `json:"structured,omitempty" yaml:"structured,omitempty"`
	Text       string `json:"text,omitempty" yaml:"text,omitempty"`
	IsError    bool   `json:"is_error,omitempty" yaml:"is_error,omitempty"`
}

// Value is the structured content if present, else the text.
func (r *ToolResult) Value() any {
	if r.Structured != nil {
		return r.Structured
	}
	return r.Text
}

// size is the encoded size of the result.
func (r *ToolResult) size() int {
	data, err := json.Marshal(r.Value())
	if err != nil {
		return len(r.Text)
	}
	return len(data)
}

// Outcome is the result of one execution.
type Outcome struct {
	Terminal  events.Envelope
	Completed bool
	Result    *ToolResult
	Err       error

	// Behavior feeds the behavioral rules.
	Behavior rules.ExecutionContext
}

// Executor runs authorized calls against a Caller.
type Executor struct {
	caller         Caller
	em             recorder.Emitter
	logger         *slog.Logger
	defaultTimeout time.Duration
	maxOutputBytes int
	now            func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithDefaultTimeout sets the deadline for tools that declare none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithMaxOutputBytes bounds result size for the behavioral output check.
func WithMaxOutputBytes(n int) Option {
	return func(e *Executor) { e.maxOutputBytes = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New returns an executor.
func New(caller Caller, em recorder.Emitter, opts ...Option) *Executor {
	e := &Executor{
		caller:         caller,
		em:             em,
		logger:         slog.Default().With("component", "executor"),
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type callReturn struct {
	res *ToolResult
	err error
}

// Execute runs the call behind auth. The deadline is the tool's declared
// timeout, else the default. Timeout, cancellation and failures all still
// produce a terminal TOOL_EXECUTION_FAILED. The returned error is non-nil
// only when nothing was executed.
func (e *Executor) Execute(ctx context.Context, auth *guardrail.Authorization) (Outcome, error) {
	if auth == nil {
		return Outcome{}, ErrUnauthorized
	}
	if !auth.Consume() {
		return Outcome{}, ErrAuthorizationUsed
	}
	call := auth.Call()
	tool := auth.Tool()
	sid := auth.SessionID()

	var opts []recorder.EmitOption
	if call.WorkflowID != "" {
		opts = append(opts, recorder.InWorkflow(call.WorkflowID))
	}

	timeout := e.defaultTimeout
	declared, err := ParseTimeout(tool.DeclaredTimeout)
	if err != nil {
		e.logger.Warn("ignoring declared timeout", "tool", tool.Name, "timeout", tool.DeclaredTimeout, "error", err)
	} else if declared > 0 {
		timeout = declared
	}

	behavior := rules.ExecutionContext{
		Tool:           tool.Name,
		OutputSchema:   tool.OutputSchema,
		MaxOutputBytes: e.maxOutputBytes,
	}
	if declared > 0 {
		behavior.DeclaredTimeout = tool.DeclaredTimeout
	} else {
		behavior.ActualTimeoutMs = timeout.Milliseconds()
	}

	e.em.Emit(sid, events.ToolExecutionStarted{
		CallID:    call.CallID,
		Tool:      tool.Name,
		StepID:    call.StepID,
		TimeoutMs: timeout.Milliseconds(),
	}, opts...)

	start := e.now()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callReturn, 1)
	go func() {
		var r callReturn
		defer func() {
			if p := recover(); p != nil {
				r = callReturn{err: fmt.Errorf("tool call panicked: %v", p)}
			}
			done <- r
		}()
		r.res, r.err = e.caller.CallTool(cctx, tool.Name, call.Arguments)
	}()

	var ret callReturn
	select {
	case ret = <-done:
	case <-cctx.Done():
		ret.err = cctx.Err()
	}
	duration := e.now().Sub(start).Milliseconds()

	failed := events.ToolExecutionFailed{
		CallID:     call.CallID,
		Tool:       tool.Name,
		StepID:     call.StepID,
		DurationMs: duration,
	}
	out := Outcome{Result: ret.res}
	switch {
	case errors.Is(ret.err, context.DeadlineExceeded) && ctx.Err() == nil:
		failed.TimedOut = true
		failed.Error = fmt.Sprintf("timed out after %s", timeout)
		behavior.TimedOut = true
	case errors.Is(ret.err, context.Canceled) || (ret.err != nil && ctx.Err() != nil):
		failed.Cancelled = true
		failed.Error = "cancelled"
		behavior.Errors = append(behavior.Errors, rules.ExecutionError{Message: "cancelled", Kind: "cancelled"})
	case ret.err != nil:
		failed.Error = ret.err.Error()
		behavior.Errors = append(behavior.Errors, rules.ExecutionError{Message: ret.err.Error(), Kind: "transport"})
	case ret.res == nil:
		failed.Error = "tool returned no result"
		behavior.Errors = append(behavior.Errors, rules.ExecutionError{Message: failed.Error, Kind: "tool"})
	case ret.res.IsError:
		failed.Error = strings.TrimSpace(ret.res.Text)
		if failed.Error == "" {
			failed.Error = "tool reported an error"
		}
		behavior.Errors = append(behavior.Errors, rules.ExecutionError{Message: failed.Error, Kind: "tool"})
	default:
		behavior.Output = ret.res.Structured
		behavior.OutputBytes = ret.res.size()
		out.Completed = true
		out.Terminal = e.em.Emit(sid, events.ToolExecutionCompleted{
			CallID:     call.CallID,
			Tool:       tool.Name,
			StepID:     call.StepID,
			DurationMs: duration,
			Result:     ret.res.Value(),
		}, opts...)
		out.Behavior = behavior
		return out, nil
	}

	out.Err = ret.err
	if out.Err == nil {
		out.Err = errors.New(failed.Error)
	}
	out.Terminal = e.em.Emit(sid, failed, opts...)
	out.Behavior = behavior
	return out, nil
}

// ParseTimeout reads a declared timeout. Go durations ("5m", "1500ms") are
// accepted; a bare number is milliseconds. Empty means none.
func ParseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("timeout must be positive, got %q", s)
		}
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse timeout %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %q", s)
	}
	return d, nil
}
