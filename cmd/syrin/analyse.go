package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/syrin/pkg/analysis"
	"github.com/ormasoftchile/syrin/pkg/config"
	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/recorder"
	"github.com/ormasoftchile/syrin/pkg/transport"
)

var (
	analyseJSON    bool
	analyseOverlap float64
)

var analyseCmd = &cobra.Command{
	Use:     "analyse [registry.yaml]",
	Aliases: []string{"analyze"},
	Short:   "Lint a tool registry; with no file, connect to the configured server",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runAnalyse,
}

func init() {
	analyseCmd.Flags().BoolVar(&analyseJSON, "json", false, "Output the full result as JSON")
	analyseCmd.Flags().Float64Var(&analyseOverlap, "min-overlap", 0, "Override analysis.min_token_overlap")
	rootCmd.AddCommand(analyseCmd)
}

func runAnalyse(cmd *cobra.Command, args []string) error {
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

	ctx := cmd.Context()
	sid := events.NewSessionID()

	source, label, closeSource, err := openSource(ctx, cfg, logger, rec, sid, args)
	if err != nil {
		return err
	}
	defer closeSource()

	overlap := cfg.Analysis.MinTokenOverlap
	if cmd.Flags().Changed("min-overlap") {
		overlap = analyseOverlap
	}
	res, err := analysis.AnalyseTools(ctx, source, analysis.Options{
		MinOverlap: overlap,
		Recorder:   rec,
		SessionID:  sid,
	})
	if err != nil {
		return err
	}

	if analyseJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printAnalysis(cmd.OutOrStdout(), label, res)
	}

	if res.HasErrors() {
		return fmt.Errorf("analysis failed with %d error(s)", len(res.Errors))
	}
	return nil
}

// openSource picks the registry file named in args, or dials the configured
// server when there is none.
func openSource(ctx context.Context, cfg *config.Config, logger *slog.Logger, rec *recorder.Recorder, sid events.SessionID, args []string) (analysis.ToolSource, string, func(), error) {
	if len(args) == 1 {
		return analysis.FileSource{Path: args[0]}, args[0], func() {}, nil
	}
	opts := cfg.TransportOptions()
	c, err := transport.Dial(ctx, opts, rec, sid, transport.WithLogger(logger), transport.WithClientInfo("syrin", version))
	if err != nil {
		return nil, "", nil, err
	}
	name, ver := c.Server()
	return c, fmt.Sprintf("%s %s (%s)", name, ver, opts.Target()), func() { _ = c.Close() }, nil
}

func printAnalysis(w io.Writer, label string, res *analysis.Result) {
	fmt.Fprintf(w, "\n  %s\n", headerStyle.Render(label))
	fmt.Fprintf(w, "  %s\n", dimStyle.Render(fmt.Sprintf("%d tools, %d dependencies", len(res.Tools), len(res.Dependencies))))

	for _, r := range res.Rejected {
		fmt.Fprintf(w, "    %s %s\n", failStyle.Render(glyphError), r.Error())
	}
	for _, c := range res.Cycles {
		fmt.Fprintf(w, "    %s cycle: %s\n", failStyle.Render(glyphError), strings.Join(c, " -> "))
	}
	for _, d := range res.Diagnostics {
		where := d.Tool
		if d.Field != "" {
			where += "." + d.Field
		}
		fmt.Fprintf(w, "    %s %s %s: %s\n", severityGlyph(d.Severity), codeStyle.Render(d.Code), where, d.Message)
	}

	verdict := string(res.Verdict)
	switch res.Verdict {
	case analysis.VerdictPass:
		verdict = passStyle.Render(glyphPassed + " " + verdict)
	case analysis.VerdictWarn:
		verdict = warnStyle.Render(glyphWarning + " " + verdict)
	default:
		verdict = failStyle.Render(glyphFailed + " " + verdict)
	}
	fmt.Fprintf(w, "\n  %s: %d errors, %d warnings\n", verdict, len(res.Errors), len(res.Warnings))
}
