package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	ktesting "github.com/ormasoftchile/syrin/pkg/kernel/testing"
)

var (
	testScenario string
	testJSON     bool
	testFailFast bool
	testTimeout  string
	testRecord   bool
)

var testCmd = &cobra.Command{
	Use:   "test [scenarios...]",
	Short: "Replay test scenarios through the guardrail and workflow engine",
	Long: `Replay test scenarios through the guardrail and workflow engine.

Each argument is a scenario directory (holding scenario.yaml) or a directory
of them. With --record, proposals run against the configured MCP server
instead of canned responses, and the responses seen are written back into
each scenario.yaml.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTest,
}

func init() {
	testCmd.Flags().StringVar(&testScenario, "scenario", "", "Run only the named scenario (default: all)")
	testCmd.Flags().BoolVar(&testJSON, "json", false, "Output results as JSON")
	testCmd.Flags().BoolVar(&testFailFast, "fail-fast", false, "Stop after first failure")
	testCmd.Flags().StringVar(&testTimeout, "timeout", "30s", "Per-scenario timeout")
	testCmd.Flags().BoolVar(&testRecord, "record", false, "Call the configured server and record its responses")
	rootCmd.AddCommand(testCmd)
}

func runTest(cmd *cobra.Command, args []string) error {
	timeout, err := time.ParseDuration(testTimeout)
	if err != nil {
		return fmt.Errorf("invalid --timeout: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.Logger(cmd.ErrOrStderr())
	rec, err := cfg.NewRecorder(logger)
	if err != nil {
		return err
	}
	defer rec.Close()

	runner := &ktesting.Runner{
		Timeout:  timeout,
		FailFast: testFailFast,
		Recorder: rec,
		Logger:   logger,
	}
	var live *liveRecorder
	if testRecord {
		live = newLiveRecorder(cmd.Context(), cfg, rec, logger)
		defer live.Close()
		runner.Caller = live.caller
	}

	allPassed := true
	for _, root := range args {
		output, err := runTests(cmd.Context(), runner, root, testScenario)
		if err != nil {
			return err
		}
		if live != nil {
			if err := live.save(); err != nil {
				return err
			}
		}

		if testJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(output); err != nil {
				return err
			}
		} else {
			printTestOutput(cmd.OutOrStdout(), output)
		}

		if output.Summary.Failed > 0 || output.Summary.Errors > 0 {
			allPassed = false
		}
	}

	if !allPassed {
		return fmt.Errorf("tests failed")
	}
	return nil
}

func runTests(ctx context.Context, runner *ktesting.Runner, root, only string) (*ktesting.TestOutput, error) {
	if only == "" {
		return runner.RunAll(ctx, root)
	}
	result := runner.RunScenario(ctx, filepath.Join(root, only))
	output := &ktesting.TestOutput{
		Root:      root,
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
	case "error":
		output.Summary.Errors = 1
	}
	return output, nil
}

func printTestOutput(w io.Writer, output *ktesting.TestOutput) {
	fmt.Fprintf(w, "\n  %s\n", headerStyle.Render(output.Root))
	for _, s := range output.Scenarios {
		fmt.Fprintf(w, "    %s %s %s\n", statusGlyph(s.Status), s.ScenarioName, dimStyle.Render(fmt.Sprintf("(%dms)", s.DurationMs)))
		if s.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", s.Error)
		}
		for _, a := range s.Assertions {
			if !a.Passed {
				fmt.Fprintf(w, "      %s %s: %s\n", failStyle.Render(glyphFailed), a.Type, a.Message)
			}
		}
	}
	fmt.Fprintf(w, "\n  %d passed, %d failed, %d skipped, %d errors (total: %d)\n",
		output.Summary.Passed, output.Summary.Failed, output.Summary.Skipped, output.Summary.Errors, output.Summary.Total)
}
