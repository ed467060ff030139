// Package recorder captures live tool responses so a session can later be
// replayed from a scenario file.
package recorder

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/syrin/pkg/kernel/executor"
	"github.com/ormasoftchile/syrin/pkg/kernel/replay"
)

// Recorder wraps a Caller and captures all tool responses, including
// transport failures, in replay form.
type Recorder struct {
	inner   executor.Caller
	secrets []string // env var names whose values should be redacted

	mu        sync.Mutex
	responses map[string][]replay.Response
}

// New creates a recording wrapper around an existing caller.
func New(inner executor.Caller) *Recorder {
	return &Recorder{inner: inner, responses: map[string][]replay.Response{}}
}

// SetSecrets configures secret env var names whose values are redacted in captured output.
func (r *Recorder) SetSecrets(envVars []string) {
	r.secrets = envVars
}

// CallTool delegates to the inner caller and records the response.
func (r *Recorder) CallTool(ctx context.Context, name string, args map[string]any) (*executor.ToolResult, error) {
	result, err := r.inner.CallTool(ctx, name, args)

	var captured replay.Response
	switch {
	case err != nil && ctx.Err() != nil:
		// Cancellation is the session's doing, not the server's.
		return nil, err
	case err != nil:
		captured.Error = r.redact(err.Error())
	case result != nil:
		captured.Structured = r.redactValue(result.Structured)
		captured.Text = r.redact(result.Text)
		captured.IsError = result.IsError
	}
	r.mu.Lock()
	r.responses[name] = append(r.responses[name], captured)
	r.mu.Unlock()
	return result, err
}

// Responses returns a copy of the captured responses by tool.
func (r *Recorder) Responses() map[string][]replay.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]replay.Response, len(r.responses))
	for k, v := range r.responses {
		out[k] = append([]replay.Response(nil), v...)
	}
	return out
}

// Apply replaces the scenario's canned responses with the captured ones.
func (r *Recorder) Apply(s *replay.Scenario) {
	s.Responses = r.Responses()
}

// WriteScenario writes s, with the captured responses, as YAML.
func (r *Recorder) WriteScenario(path string, s *replay.Scenario) error {
	r.Apply(s)
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write scenario: %w", err)
	}
	return nil
}

// redact replaces secret values with <REDACTED>.
func (r *Recorder) redact(s string) string {
	for _, envVar := range r.secrets {
		val := os.Getenv(envVar)
		if val != "" {
			s = strings.ReplaceAll(s, val, "<REDACTED>")
		}
	}
	return s
}

// redactValue redacts secret values anywhere in a decoded JSON value.
func (r *Recorder) redactValue(v any) any {
	switch v := v.(type) {
	case string:
		return r.redact(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = r.redactValue(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = r.redactValue(e)
		}
		return out
	}
	return v
}
