// mock-mcp-server is a test helper binary that implements a minimal MCP server
// over stdio for integration testing. Supports initialize, ping, tools/list and
// tools/call, and sends a log notification with every tool call.
//
// MOCK_WEATHER overrides the weather get_weather reports.
//
//go:build ignore

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   any             `json:"error,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

var tools = []map[string]any{
	{
		"name":        "current_location",
		"description": "Get the user's current location.",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
		"outputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"location": map[string]any{"type": "string", "description": "City name"}},
			"required":   []string{"location"},
		},
	},
	{
		"name":        "get_weather",
		"description": "Retrieve weather for a location provided by current_location.",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"location": map[string]any{"type": "string", "description": "City name"}},
			"required":   []string{"location"},
		},
		"outputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"weather": map[string]any{"type": "string", "description": "Weather condition"}},
			"required":   []string{"weather"},
		},
	},
	{
		"name":        "failing",
		"description": "Always returns a tool error",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
	},
}

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	out := json.NewEncoder(os.Stdout)

	weather := os.Getenv("MOCK_WEATHER")
	if weather == "" {
		weather = "Rainy"
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		// Notifications carry no id.
		if len(req.ID) == 0 {
			continue
		}

		resp := response{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "initialize":
			var params struct {
				ProtocolVersion string `json:"protocolVersion"`
			}
			_ = json.Unmarshal(req.Params, &params)
			resp.Result = map[string]any{
				"protocolVersion": params.ProtocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "weather-mock", "version": "1.0.0"},
			}

		case "ping":
			resp.Result = map[string]any{}

		case "tools/list":
			resp.Result = map[string]any{"tools": tools}

		case "tools/call":
			var params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &params)
			_ = out.Encode(notification{
				JSONRPC: "2.0",
				Method:  "notifications/message",
				Params:  map[string]any{"level": "info", "data": "calling " + params.Name},
			})

			switch params.Name {
			case "current_location":
				resp.Result = map[string]any{
					"content":           []map[string]any{{"type": "text", "text": "Lisbon"}},
					"structuredContent": map[string]any{"location": "Lisbon"},
				}
			case "get_weather":
				resp.Result = map[string]any{
					"content":           []map[string]any{{"type": "text", "text": fmt.Sprintf("%s in %v", weather, params.Arguments["location"])}},
					"structuredContent": map[string]any{"weather": weather},
				}
			case "failing":
				resp.Result = map[string]any{
					"content": []map[string]any{{"type": "text", "text": "something went wrong"}},
					"isError": true,
				}
			default:
				resp.Error = map[string]any{"code": -32602, "message": fmt.Sprintf("unknown tool %q", params.Name)}
			}

		default:
			resp.Error = map[string]any{"code": -32601, "message": fmt.Sprintf("method %q not found", req.Method)}
		}

		_ = out.Encode(resp)
	}
}
