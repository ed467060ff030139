package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/syrin/pkg/kernel/rules"
)

var rulesJSON bool

var rulesCmd = &cobra.Command{
	Use:   "rules [code]",
	Short: "List the diagnostic rule catalog",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRules,
}

func init() {
	rulesCmd.Flags().BoolVar(&rulesJSON, "json", false, "Output the catalog as JSON")
	rootCmd.AddCommand(rulesCmd)
}

func runRules(cmd *cobra.Command, args []string) error {
	catalog := rules.Default().Catalog()
	if len(args) == 1 {
		var found []rules.Info
		for _, info := range catalog {
			if info.Code == args[0] {
				found = append(found, info)
			}
		}
		if len(found) == 0 {
			return fmt.Errorf("unknown rule %q", args[0])
		}
		catalog = found
	}

	if rulesJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(catalog)
	}
	printCatalog(cmd.OutOrStdout(), catalog)
	return nil
}

func printCatalog(w io.Writer, catalog []rules.Info) {
	for _, info := range catalog {
		fmt.Fprintf(w, "  %s %s %s %s\n",
			severityGlyph(info.Severity),
			codeStyle.Render(info.Code),
			info.Title,
			dimStyle.Render("("+string(info.Kind)+")"))
		if info.Fix != "" {
			fmt.Fprintf(w, "         %s\n", dimStyle.Render(info.Fix))
		}
	}
}
