// Package mcp exposes syrin's analysis and test harness as an MCP server,
// so an agent can lint a tool registry or run scenarios without a shell.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ormasoftchile/syrin/pkg/kernel/schema"
)

// NewServer creates a new MCP server with syrin tools registered.
func NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"syrin",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("syrin/analyse",
			mcp.WithDescription("Run the static rule pass over a tool registry snapshot and report diagnostics"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to a registry snapshot (YAML or JSON tools/list result)")),
			mcp.WithNumber("min_overlap", mcp.Description("Minimum description token overlap for dependency inference (0-1)")),
		),
		HandleAnalyse,
	)

	s.AddTool(
		mcp.NewTool("syrin/rules",
			mcp.WithDescription("List the diagnostic rule catalog"),
			mcp.WithString("code", mcp.Description("Show only this rule code (optional)")),
		),
		HandleRules,
	)

	docs := schema.Documents()
	names := make([]string, len(docs))
	for i, d := range docs {
		names[i] = string(d)
	}
	s.AddTool(
		mcp.NewTool("syrin/schema",
			mcp.WithDescription("Export a syrin JSON Schema document"),
			mcp.WithString("type", mcp.Required(), mcp.Enum(names...), mcp.Description("Document to export")),
		),
		HandleSchema,
	)

	s.AddTool(
		mcp.NewTool("syrin/test",
			mcp.WithDescription("Replay test scenarios through the guardrail and workflow engine"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Scenario directory, or a directory of scenarios")),
			mcp.WithString("scenario", mcp.Description("Run only the named scenario (optional)")),
		),
		HandleTest,
	)

	s.AddTool(
		mcp.NewTool("syrin/verify",
			mcp.WithDescription("Verify the hash chain of a JSONL session trail"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the .jsonl trail")),
		),
		HandleVerify,
	)

	return s
}
