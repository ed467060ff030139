package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/syrin/pkg/kernel/trace"
)

var traceVerifyCmd = &cobra.Command{
	Use:   "verify [trail.jsonl]",
	Short: "Verify trail integrity (hash chain + signature)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return verifyTrail(cmd.OutOrStdout(), args[0])
	},
}

func verifyTrail(w io.Writer, path string) error {
	result, err := trace.VerifyFile(path)
	if err != nil {
		return err
	}

	if !result.Valid {
		fmt.Fprintf(w, "%s Chain broken at event %d\n", failStyle.Render(glyphFailed), result.BrokenAt)
		if result.Error != "" {
			fmt.Fprintf(w, "  %s\n", result.Error)
		}
		return fmt.Errorf("chain verification failed")
	}

	fmt.Fprintf(w, "%s Chain integrity: %d events, no breaks\n", passStyle.Render(glyphPassed), result.EventCount)
	if !result.Sealed {
		fmt.Fprintf(w, "%s Trail is not sealed\n", warnStyle.Render(glyphWarning))
	}

	if result.ChainHash != "" {
		switch {
		case result.SignatureOK:
			keyLabel := result.SigningKeyID
			if keyLabel == "" {
				keyLabel = "(default)"
			}
			fmt.Fprintf(w, "%s Signature valid: signed by key %q\n", passStyle.Render(glyphPassed), keyLabel)
		case result.SignatureNoKey:
			keyLabel := result.SigningKeyID
			if keyLabel == "" {
				keyLabel = "unknown"
			}
			fmt.Fprintf(w, "%s Signature present (key %q) but no %s set to verify\n", warnStyle.Render(glyphWarning), keyLabel, trace.SigningKeyEnv)
		case result.SigningKeyID != "":
			fmt.Fprintf(w, "%s Signature invalid\n", failStyle.Render(glyphFailed))
			return fmt.Errorf("signature verification failed")
		}
	}
	return nil
}

func init() {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Session trail operations",
	}
	traceCmd.AddCommand(traceVerifyCmd)
	rootCmd.AddCommand(traceCmd)
}
