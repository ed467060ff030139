package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/syrin/pkg/analysis"
	"github.com/ormasoftchile/syrin/pkg/kernel/rules"
	"github.com/ormasoftchile/syrin/pkg/kernel/schema"
	ktesting "github.com/ormasoftchile/syrin/pkg/kernel/testing"
	"github.com/ormasoftchile/syrin/pkg/kernel/trace"
)

// HandleAnalyse implements the syrin/analyse MCP tool.
func HandleAnalyse(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	if path == "" {
		return errorResult("path argument is required"), nil
	}
	overlap := req.GetFloat("min_overlap", 0)
	if overlap < 0 || overlap > 1 {
		return errorResult(fmt.Sprintf("min_overlap must be within [0,1], got %v", overlap)), nil
	}

	res, err := analysis.AnalyseTools(ctx, analysis.FileSource{Path: path}, analysis.Options{MinOverlap: overlap})
	if err != nil {
		return errorResult(err.Error()), nil
	}

	summary := fmt.Sprintf("%s: %d tools, %d errors, %d warnings", res.Verdict, len(res.Tools), len(res.Errors), len(res.Warnings))
	out := mcp.NewToolResultStructured(res, summary)
	out.IsError = res.HasErrors()
	return out, nil
}

// HandleRules implements the syrin/rules MCP tool.
func HandleRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	catalog := rules.Default().Catalog()
	if code := req.GetString("code", ""); code != "" {
		for _, info := range catalog {
			if info.Code == code {
				return jsonResult(info, false)
			}
		}
		return errorResult(fmt.Sprintf("unknown rule %q", code)), nil
	}
	return jsonResult(catalog, false)
}

// HandleSchema implements the syrin/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := schema.Generate(schema.Document(req.GetString("type", "")))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// HandleTest implements the syrin/test MCP tool.
func HandleTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	runner := &ktesting.Runner{Timeout: 30 * time.Second}

	var output *ktesting.TestOutput
	if name := req.GetString("scenario", ""); name != "" {
		result := runner.RunScenario(ctx, filepath.Join(path, name))
		output = &ktesting.TestOutput{
			Root:      path,
			Scenarios: []ktesting.TestResult{result},
			Summary:   ktesting.TestSummary{Total: 1},
		}
		switch result.Status {
		case "passed":
			output.Summary.Passed = 1
		case "failed":
			output.Summary.Failed = 1
		case "skipped":
			output.Summary.Skipped = 1
		default:
			output.Summary.Errors = 1
		}
	} else {
		var err error
		if output, err = runner.RunAll(ctx, path); err != nil {
			return errorResult(fmt.Sprintf("run tests: %s", err)), nil
		}
	}

	return jsonResult(output, output.Summary.Failed > 0 || output.Summary.Errors > 0)
}

// HandleVerify implements the syrin/verify MCP tool.
func HandleVerify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	if path == "" {
		return errorResult("path argument is required"), nil
	}
	res, err := trace.VerifyFile(path)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(res, !res.Valid)
}

func jsonResult(v any, isErr bool) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: isErr,
	}, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}
