// Package replay provides scenario-based replay of agent sessions.
// A scenario holds the model's proposed calls and canned tool responses,
// enabling deterministic re-runs of a session without a live MCP server.
package replay

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/executor"
	"github.com/ormasoftchile/syrin/pkg/kernel/guardrail"
)

// ScenarioFile is the file name a scenario directory must contain.
const ScenarioFile = "scenario.yaml"

// Scenario is the top-level replay scenario document.
type Scenario struct {
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Tools is a registry snapshot file, relative to the scenario.
	Tools string `yaml:"tools" json:"tools"`

	// Workflow is an optional workflow definition file, relative to the
	// scenario. Proposals naming a step run inside it.
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`

	Policy         *guardrail.Policy `yaml:"policy,omitempty" json:"policy,omitempty"`
	DefaultTimeout string            `yaml:"default_timeout,omitempty" json:"default_timeout,omitempty"`

	// Proposals are the tool calls the model proposed, in order.
	Proposals []Proposal `yaml:"proposals" json:"proposals"`

	// Responses maps tool names to canned responses, consumed in order.
	Responses map[string][]Response `yaml:"responses,omitempty" json:"responses,omitempty"`

	// Dir is the directory relative paths resolve against.
	Dir string `yaml:"-" json:"-"`
}

// Proposal is one model-proposed tool call.
type Proposal struct {
	Tool      string         `yaml:"tool" json:"tool"`
	Step      events.StepID  `yaml:"step,omitempty" json:"step,omitempty"`
	Arguments map[string]any `yaml:"arguments,omitempty" json:"arguments,omitempty"`
}

// Response is a single canned response for a tool.
type Response struct {
	Structured any    `yaml:"structured,omitempty" json:"structured,omitempty"`
	Text       string `yaml:"text,omitempty" json:"text,omitempty"`
	IsError    bool   `yaml:"is_error,omitempty" json:"is_error,omitempty"`

	// Error simulates a transport failure instead of a result.
	Error string `yaml:"error,omitempty" json:"error,omitempty"`

	// Delay simulates latency, e.g. "250ms". The call's context still
	// bounds it.
	Delay string `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// LoadScenario loads a scenario from a YAML file.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	defer f.Close()
	s, err := ParseScenario(f)
	if err != nil {
		return nil, err
	}
	s.Dir = filepath.Dir(path)
	if s.Name == "" {
		s.Name = filepath.Base(s.Dir)
	}
	return s, nil
}

// LoadScenarioDir loads a scenario from a directory containing scenario.yaml.
func LoadScenarioDir(dir string) (*Scenario, error) {
	return LoadScenario(filepath.Join(dir, ScenarioFile))
}

// ParseScenario parses scenario YAML, rejecting unknown fields.
func ParseScenario(r io.Reader) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if s.Tools == "" {
		return nil, fmt.Errorf("parse scenario: tools is required")
	}
	for i, p := range s.Proposals {
		if p.Tool == "" {
			return nil, fmt.Errorf("parse scenario: proposals[%d].tool is required", i)
		}
	}
	for tool, rs := range s.Responses {
		for i, r := range rs {
			if _, err := executor.ParseTimeout(r.Delay); err != nil {
				return nil, fmt.Errorf("parse scenario: responses.%s[%d].delay: %w", tool, i, err)
			}
		}
	}
	return &s, nil
}

// Path resolves a scenario-relative path.
func (s *Scenario) Path(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(s.Dir, rel)
}

// Caller implements executor.Caller using canned scenario responses.
// It consumes responses in order, per tool. It is safe for concurrent use.
type Caller struct {
	mu        sync.Mutex
	responses map[string][]Response
	consumed  map[string]int
}

// NewCaller creates a replay caller from a scenario.
func NewCaller(s *Scenario) *Caller {
	return &Caller{responses: s.Responses, consumed: map[string]int{}}
}

// CallTool returns the next canned response for the tool.
func (c *Caller) CallTool(ctx context.Context, name string, _ map[string]any) (*executor.ToolResult, error) {
	c.mu.Lock()
	responses, ok := c.responses[name]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("replay: no canned response for %s", name)
	}
	idx := c.consumed[name]
	if idx >= len(responses) {
		c.mu.Unlock()
		return nil, fmt.Errorf("replay: exhausted canned responses for %s (used %d)", name, len(responses))
	}
	resp := responses[idx]
	c.consumed[name] = idx + 1
	c.mu.Unlock()

	if d, _ := executor.ParseTimeout(resp.Delay); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("replay: %s", resp.Error)
	}
	return &executor.ToolResult{Structured: resp.Structured, Text: resp.Text, IsError: resp.IsError}, nil
}

// Unconsumed lists the tools with canned responses left over, sorted.
func (c *Caller) Unconsumed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name, rs := range c.responses {
		if c.consumed[name] < len(rs) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
