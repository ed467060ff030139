package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/syrin/pkg/analysis"
	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/trace"
	"github.com/ormasoftchile/syrin/pkg/transport"
)

const foodServer = "../../analysis/testdata/food-server.yaml"

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return tc.Text
}

func TestHandleAnalyse(t *testing.T) {
	res := call(t, HandleAnalyse, map[string]any{"path": foodServer})
	assert.False(t, res.IsError, text(t, res))
	assert.Contains(t, text(t, res), "pass: 3 tools")

	out, ok := res.StructuredContent.(*analysis.Result)
	require.True(t, ok)
	assert.Equal(t, analysis.VerdictPass, out.Verdict)
	assert.NotEmpty(t, out.Dependencies)
}

func TestHandleAnalyse_FailingRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  - name: search
    description: Search
    inputSchema:
      type: object
      properties:
        q: {type: string}
      required: [q]
`), 0o600))

	res := call(t, HandleAnalyse, map[string]any{"path": path})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "fail:")
}

func TestHandleAnalyse_BadArguments(t *testing.T) {
	assert.True(t, call(t, HandleAnalyse, map[string]any{}).IsError)
	assert.True(t, call(t, HandleAnalyse, map[string]any{"path": foodServer, "min_overlap": 2.0}).IsError)

	res := call(t, HandleAnalyse, map[string]any{"path": "does/not/exist.yaml"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "load tools")
}

func TestHandleRules(t *testing.T) {
	res := call(t, HandleRules, map[string]any{})
	require.False(t, res.IsError)
	var catalog []map[string]any
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &catalog))
	assert.NotEmpty(t, catalog)

	res = call(t, HandleRules, map[string]any{"code": "E002"})
	require.False(t, res.IsError)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &info))
	assert.Equal(t, "E002", info["code"])

	assert.True(t, call(t, HandleRules, map[string]any{"code": "Z999"}).IsError)
}

func TestHandleSchema(t *testing.T) {
	res := call(t, HandleSchema, map[string]any{"type": "envelope"})
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"event_type"`)

	assert.True(t, call(t, HandleSchema, map[string]any{"type": "runbook"}).IsError)
}

func TestHandleTest(t *testing.T) {
	root := "../../kernel/testing/testdata/scenarios"

	res := call(t, HandleTest, map[string]any{"path": root, "scenario": "rainy"})
	assert.False(t, res.IsError, text(t, res))
	assert.Contains(t, text(t, res), `"passed": 1`)

	res = call(t, HandleTest, map[string]any{"path": root})
	assert.False(t, res.IsError, text(t, res))

	assert.True(t, call(t, HandleTest, map[string]any{"path": t.TempDir()}).IsError)
}

func TestHandleVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.jsonl")
	w, err := trace.NewFileWriter(path)
	require.NoError(t, err)
	rec := recorder.New(recorder.WithSink(w))
	rec.Emit(events.NewSessionID(), events.SessionStarted{Transport: "stdio"})
	require.NoError(t, rec.Close())

	res := call(t, HandleVerify, map[string]any{"path": path})
	assert.False(t, res.IsError, text(t, res))
	assert.Contains(t, text(t, res), `"Valid": true`)

	assert.True(t, call(t, HandleVerify, map[string]any{}).IsError)
}

func TestServer_InProcess(t *testing.T) {
	mc, err := client.NewInProcessClient(NewServer("test"))
	require.NoError(t, err)
	rec := recorder.New()
	defer rec.Close()

	c, err := transport.Connect(context.Background(), mc, transport.KindInProcess, "syrin", rec, events.NewSessionID())
	require.NoError(t, err)
	defer c.Close()

	name, version := c.Server()
	assert.Equal(t, "syrin", name)
	assert.Equal(t, "test", version)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"syrin/analyse", "syrin/rules", "syrin/schema", "syrin/test", "syrin/verify"}, names)

	res, err := c.CallTool(context.Background(), "syrin/rules", map[string]any{"code": "E001"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Text, `"E001"`)
}
