package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/syrin/pkg/analysis"
	"github.com/ormasoftchile/syrin/pkg/diagram"
	"github.com/ormasoftchile/syrin/pkg/kernel/events"
	"github.com/ormasoftchile/syrin/pkg/kernel/workflow"
)

var (
	graphFormat   string
	graphWorkflow string
)

var graphCmd = &cobra.Command{
	Use:   "graph [registry.yaml]",
	Short: "Draw the inferred tool dependency graph, or a workflow over it",
	Long: `Draw the dependencies inferred between tools as a Mermaid flowchart or
ASCII boxes. With --workflow, draw that workflow's steps instead, including
the dependencies inferred from the registry.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().StringVarP(&graphFormat, "format", "f", string(diagram.FormatASCII), "Diagram format: ascii or mermaid")
	graphCmd.Flags().StringVarP(&graphWorkflow, "workflow", "w", "", "Workflow definition to draw")
	rootCmd.AddCommand(graphCmd)
}

func runGraph(cmd *cobra.Command, args []string) error {
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

	res, err := analysis.AnalyseTools(ctx, source, analysis.Options{
		MinOverlap: cfg.Analysis.MinTokenOverlap,
		Recorder:   rec,
		SessionID:  sid,
	})
	if err != nil {
		return err
	}

	var g *diagram.Graph
	if graphWorkflow != "" {
		def, err := workflow.LoadFile(graphWorkflow)
		if err != nil {
			return err
		}
		wf, err := workflow.New(def, res.Tools, res.Dependencies, rec, sid)
		if err != nil {
			return err
		}
		g = diagram.Workflow(wf.Snapshot())
	} else {
		names := make([]string, len(res.Tools))
		for i, t := range res.Tools {
			names[i] = t.Name
		}
		g = diagram.Dependencies(label, names, res.Dependencies)
	}

	out, err := diagram.Generate(g, diagram.Format(graphFormat))
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), out)
	return err
}
