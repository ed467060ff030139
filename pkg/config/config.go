// Package config loads the harness configuration from YAML or TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/syrin/pkg/kernel/executor"
	"github.com/ormasoftchile/syrin/pkg/kernel/guardrail"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/trace"
	"github.com/ormasoftchile/syrin/pkg/transport"
)

// Config is the whole configuration document.
type Config struct {
	Transport TransportConfig  `yaml:"transport" toml:"transport"`
	Guardrail guardrail.Policy `yaml:"guardrail" toml:"guardrail"`
	Execution ExecutionConfig  `yaml:"execution" toml:"execution"`
	Analysis  AnalysisConfig   `yaml:"analysis" toml:"analysis"`
	Sinks     SinksConfig      `yaml:"sinks" toml:"sinks"`
}

// TransportConfig says how to reach the MCP server under test.
type TransportConfig struct {
	Kind    string            `yaml:"kind" toml:"kind"` // stdio, sse or http
	Command string            `yaml:"command,omitempty" toml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" toml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	EnvFile string            `yaml:"env_file,omitempty" toml:"env_file,omitempty"`
	URL     string            `yaml:"url,omitempty" toml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty"`
}

// ExecutionConfig bounds tool execution.
type ExecutionConfig struct {
	DefaultTimeout string `yaml:"default_timeout" toml:"default_timeout"`
	MaxOutputBytes int    `yaml:"max_output_bytes" toml:"max_output_bytes"`
}

// AnalysisConfig tunes static analysis.
type AnalysisConfig struct {
	MinTokenOverlap float64 `yaml:"min_token_overlap" toml:"min_token_overlap"`
}

// SinksConfig selects where events are recorded besides memory.
type SinksConfig struct {
	JSONL     string     `yaml:"jsonl,omitempty" toml:"jsonl,omitempty"`
	SQLite    string     `yaml:"sqlite,omitempty" toml:"sqlite,omitempty"`
	NATS      NATSConfig `yaml:"nats,omitempty" toml:"nats,omitempty"`
	LogLevel  string     `yaml:"log_level,omitempty" toml:"log_level,omitempty"`
	RedactEnv []string   `yaml:"redact_env,omitempty" toml:"redact_env,omitempty"`
}

// NATSConfig publishes events to a NATS server.
type NATSConfig struct {
	URL     string `yaml:"url,omitempty" toml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty" toml:"subject,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{Kind: string(transport.KindStdio)},
		Guardrail: guardrail.DefaultPolicy(),
		Execution: ExecutionConfig{DefaultTimeout: "30s"},
		Sinks:     SinksConfig{LogLevel: "info", NATS: NATSConfig{Subject: "syrin"}},
	}
}

// LoadFile reads a configuration file over the defaults. The format follows
// the extension: .toml is TOML, anything else YAML. Unknown keys are errors.
// Relative env_file, jsonl and sqlite paths resolve against the file's
// directory.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg *Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		cfg, err = LoadTOML(bytes.NewReader(data))
	} else {
		cfg, err = LoadYAML(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// LoadYAML decodes YAML over the defaults and validates the result.
func LoadYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadTOML decodes TOML over the defaults and validates the result.
func LoadTOML(r io.Reader) (*Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

func (c *Config) resolve(dir string) {
	for _, p := range []*string{&c.Transport.EnvFile, &c.Sinks.JSONL, &c.Sinks.SQLite} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	var errs []error
	switch transport.Kind(c.Transport.Kind) {
	case transport.KindStdio, transport.KindSSE, transport.KindHTTP:
	default:
		errs = append(errs, fmt.Errorf("transport.kind: unknown kind %q", c.Transport.Kind))
	}

	g := c.Guardrail
	if g.MaxCallsPerTool < 0 {
		errs = append(errs, errors.New("guardrail.max_calls_per_tool: must not be negative"))
	}
	if g.MaxCallsPerSession < 0 {
		errs = append(errs, errors.New("guardrail.max_calls_per_session: must not be negative"))
	}
	tools := make([]string, 0, len(g.ToolBudgets))
	for tool := range g.ToolBudgets {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		if g.ToolBudgets[tool] < 0 {
			errs = append(errs, fmt.Errorf("guardrail.tool_budgets.%s: must not be negative", tool))
		}
	}
	if g.LoopThreshold < 1 {
		errs = append(errs, errors.New("guardrail.loop_threshold: must be at least 1"))
	}
	if g.HistorySize < 1 {
		errs = append(errs, errors.New("guardrail.history_size: must be at least 1"))
	}
	if g.RatePerSecond < 0 || g.Burst < 0 {
		errs = append(errs, errors.New("guardrail.rate_per_second and burst: must not be negative"))
	}

	if _, err := executor.ParseTimeout(c.Execution.DefaultTimeout); err != nil {
		errs = append(errs, fmt.Errorf("execution.default_timeout: %w", err))
	}
	if c.Execution.MaxOutputBytes < 0 {
		errs = append(errs, errors.New("execution.max_output_bytes: must not be negative"))
	}
	if o := c.Analysis.MinTokenOverlap; o < 0 || o > 1 {
		errs = append(errs, fmt.Errorf("analysis.min_token_overlap: %v is outside [0, 1]", o))
	}
	if _, err := parseLevel(c.Sinks.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("sinks.log_level: %w", err))
	}
	return errors.Join(errs...)
}

// TransportOptions converts the transport section for transport.Dial.
func (c *Config) TransportOptions() transport.Options {
	t := c.Transport
	return transport.Options{
		Kind:    transport.Kind(t.Kind),
		Command: t.Command,
		Args:    t.Args,
		Env:     t.Env,
		EnvFile: t.EnvFile,
		URL:     t.URL,
		Headers: t.Headers,
	}
}

// ExecutorOptions converts the execution section. It assumes Validate passed.
func (c *Config) ExecutorOptions() []executor.Option {
	var opts []executor.Option
	if d, _ := executor.ParseTimeout(c.Execution.DefaultTimeout); d > 0 {
		opts = append(opts, executor.WithDefaultTimeout(d))
	}
	if c.Execution.MaxOutputBytes > 0 {
		opts = append(opts, executor.WithMaxOutputBytes(c.Execution.MaxOutputBytes))
	}
	return opts
}

// Logger builds a text logger at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Sinks.LogLevel)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}

// OpenSinks opens the configured sinks. A slog sink over logger is always
// included. On error, sinks opened so far are closed.
func (c *Config) OpenSinks(logger *slog.Logger) ([]recorder.Sink, error) {
	sinks := []recorder.Sink{recorder.NewSlogSink(logger)}
	fail := func(err error) ([]recorder.Sink, error) {
		for _, s := range sinks {
			if cl, ok := s.(io.Closer); ok {
				_ = cl.Close()
			}
		}
		return nil, err
	}
	if c.Sinks.JSONL != "" {
		w, err := trace.NewFileWriter(c.Sinks.JSONL)
		if err != nil {
			return fail(fmt.Errorf("open jsonl sink: %w", err))
		}
		w.SetSecrets(c.Sinks.RedactEnv)
		sinks = append(sinks, w)
	}
	if c.Sinks.SQLite != "" {
		db, err := recorder.OpenSQLite(c.Sinks.SQLite)
		if err != nil {
			return fail(fmt.Errorf("open sqlite sink: %w", err))
		}
		sinks = append(sinks, db)
	}
	if c.Sinks.NATS.URL != "" {
		n, err := recorder.DialNATS(c.Sinks.NATS.URL, c.Sinks.NATS.Subject)
		if err != nil {
			return fail(fmt.Errorf("open nats sink: %w", err))
		}
		sinks = append(sinks, n)
	}
	return sinks, nil
}

// NewRecorder builds a recorder writing to the configured sinks. Closing the
// recorder closes them.
func (c *Config) NewRecorder(logger *slog.Logger) (*recorder.Recorder, error) {
	sinks, err := c.OpenSinks(logger)
	if err != nil {
		return nil, err
	}
	opts := []recorder.Option{recorder.WithLogger(logger)}
	for _, s := range sinks {
		opts = append(opts, recorder.WithSink(s))
	}
	return recorder.New(opts...), nil
}

// DefaultTimeout is the parsed execution.default_timeout.
func (c *Config) DefaultTimeout() time.Duration {
	d, _ := executor.ParseTimeout(c.Execution.DefaultTimeout)
	return d
}
