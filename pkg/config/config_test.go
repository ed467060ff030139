package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/guardrail"
	"github.com/ormasoftchile/syrin/pkg/kernel/trace"
	"github.com/ormasoftchile/syrin/pkg/transport"
)

const yamlConfig = `
transport:
  kind: stdio
  command: node
  args: [server.js]
  env_file: server.env
guardrail:
  max_calls_per_tool: 3
  tool_budgets:
    get_weather: 1
  loop_threshold: 2
  history_size: 5
execution:
  default_timeout: 5s
sinks:
  jsonl: trace.jsonl
  log_level: debug
`

const tomlConfig = `
[transport]
kind = "http"
url = "http://localhost:8080/mcp"

[transport.headers]
Authorization = "Bearer token"

[guardrail]
max_calls_per_session = 10
rate_per_second = 2.5
burst = 3

[analysis]
min_token_overlap = 0.4
`

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, guardrail.DefaultPolicy(), cfg.Guardrail)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout())
}

func TestLoadFile_YAML(t *testing.T) {
	path := write(t, "syrin.yaml", yamlConfig)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "server.env"), cfg.Transport.EnvFile)
	assert.Equal(t, filepath.Join(dir, "trace.jsonl"), cfg.Sinks.JSONL)
	assert.Equal(t, 3, cfg.Guardrail.MaxCallsPerTool)
	assert.Equal(t, map[string]int{"get_weather": 1}, cfg.Guardrail.ToolBudgets)
	assert.Equal(t, 5, cfg.Guardrail.HistorySize)
	assert.Equal(t, 5*time.Second, cfg.DefaultTimeout())
	assert.Len(t, cfg.ExecutorOptions(), 1)

	opts := cfg.TransportOptions()
	assert.Equal(t, transport.KindStdio, opts.Kind)
	assert.Equal(t, "node server.js", opts.Target())
}

func TestLoadFile_TOML(t *testing.T) {
	cfg, err := LoadFile(write(t, "syrin.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Transport.Kind)
	assert.Equal(t, "Bearer token", cfg.Transport.Headers["Authorization"])
	assert.Equal(t, 10, cfg.Guardrail.MaxCallsPerSession)
	assert.InDelta(t, 2.5, cfg.Guardrail.RatePerSecond, 1e-9)
	assert.InDelta(t, 0.4, cfg.Analysis.MinTokenOverlap, 1e-9)
	// untouched sections keep their defaults
	assert.Equal(t, guardrail.DefaultLoopThreshold, cfg.Guardrail.LoopThreshold)
	assert.Equal(t, "30s", cfg.Execution.DefaultTimeout)
}

func TestLoad_UnknownKeys(t *testing.T) {
	_, err := LoadYAML(strings.NewReader("guardrail:\n  max_calls: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_calls")

	_, err = LoadTOML(strings.NewReader("[guardrail]\nmax_calls = 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guardrail.max_calls")
}

func TestLoadYAML_Empty(t *testing.T) {
	cfg, err := LoadYAML(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Transport.Kind = "pigeon"
	cfg.Guardrail.MaxCallsPerTool = -1
	cfg.Guardrail.ToolBudgets = map[string]int{"b": -2, "a": 1}
	cfg.Guardrail.LoopThreshold = 0
	cfg.Execution.DefaultTimeout = "soon"
	cfg.Analysis.MinTokenOverlap = 1.5
	cfg.Sinks.LogLevel = "chatty"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"transport.kind",
		"guardrail.max_calls_per_tool",
		"guardrail.tool_budgets.b",
		"guardrail.loop_threshold",
		"execution.default_timeout",
		"analysis.min_token_overlap",
		"sinks.log_level",
	} {
		assert.Contains(t, err.Error(), want)
	}
	assert.NotContains(t, err.Error(), "tool_budgets.a")
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Sinks.LogLevel = "warn"
	var buf bytes.Buffer
	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewRecorder_WritesJSONLTrail(t *testing.T) {
	cfg := Default()
	cfg.Sinks.JSONL = filepath.Join(t.TempDir(), "trail.jsonl")
	cfg.Sinks.SQLite = filepath.Join(t.TempDir(), "events.db")

	rec, err := cfg.NewRecorder(slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	rec.Emit("s1", events.SessionStarted{Transport: "stdio"})
	rec.Emit("s1", events.SessionCompleted{Status: "completed"})
	require.NoError(t, rec.Close())

	res, err := trace.VerifyFile(cfg.Sinks.JSONL)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.EventCount)
}

func TestOpenSinks_FailureClosesOpened(t *testing.T) {
	cfg := Default()
	cfg.Sinks.JSONL = filepath.Join(t.TempDir(), "trail.jsonl")
	blocker := write(t, "blocker", "not a directory")
	cfg.Sinks.SQLite = filepath.Join(blocker, "events.db")

	_, err := cfg.OpenSinks(slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}
