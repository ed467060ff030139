package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/kernel/replay"
	ktesting "github.com/ormasoftchile/syrin/pkg/kernel/testing"
	"github.com/ormasoftchile/syrin/pkg/transport"
)

func weatherServer() *server.MCPServer {
	s := server.NewMCPServer("weather", "0.1.0", server.WithToolCapabilities(true))
	s.AddTool(
		mcp.NewTool("get_weather", mcp.WithString("location", mcp.Required())),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultStructured(map[string]any{"weather": "Rainy"}, "Rainy"), nil
		},
	)
	return s
}

func TestLiveRecorder_WritesResponsesBack(t *testing.T) {
	tools, err := filepath.Abs("../../pkg/kernel/testing/testdata/tools.yaml")
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "live")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, replay.ScenarioFile), []byte(`
tools: `+tools+`
proposals:
  - tool: get_weather
    arguments: {location: Lisbon}
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ktesting.TestFile), []byte(`
expected_outputs:
  get_weather.weather: Rainy
`), 0o600))

	rec := recorder.New()
	defer rec.Close()
	dials := 0
	live := &liveRecorder{
		ctx: context.Background(),
		dial: func(ctx context.Context) (*transport.Client, error) {
			dials++
			mc, err := client.NewInProcessClient(weatherServer())
			if err != nil {
				return nil, err
			}
			return transport.Connect(ctx, mc, transport.KindInProcess, "weather", rec, events.NewSessionID())
		},
	}
	defer live.Close()

	runner := &ktesting.Runner{Recorder: rec, Caller: live.caller}
	res := runner.RunScenario(context.Background(), dir)
	require.Equal(t, "passed", res.Status, res.Error)
	require.NoError(t, live.save())
	assert.Equal(t, 1, dials)

	sc, err := replay.LoadScenarioDir(dir)
	require.NoError(t, err)
	require.Len(t, sc.Responses["get_weather"], 1)
	assert.Equal(t, map[string]any{"weather": "Rainy"}, sc.Responses["get_weather"][0].Structured)

	// The rewritten scenario now replays offline.
	res = (&ktesting.Runner{}).RunScenario(context.Background(), dir)
	assert.Equal(t, "passed", res.Status, res.Error)
}
