package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/syrin/pkg/kernel/schema"
)

var schemaCmd = &cobra.Command{
	Use:       "schema <document>",
	Short:     "Export JSON Schema to stdout",
	Args:      cobra.ExactArgs(1),
	ValidArgs: documentNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := schema.Generate(schema.Document(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func documentNames() []string {
	var names []string
	for _, d := range schema.Documents() {
		names = append(names, string(d))
	}
	return names
}

func init() {
	schemaCmd.Long = fmt.Sprintf("Export JSON Schema to stdout. Documents: %v", documentNames())
	rootCmd.AddCommand(schemaCmd)
}
