// Package main provides the syrin CLI.
//
//	syrin analyse [registry.yaml]   lint a registry snapshot or a live server
//	syrin rules [code]              list the diagnostic catalog
//	syrin schema <document>         export JSON Schema
//	syrin trace verify <trail>      check a JSONL trail's hash chain
//	syrin test <dir...>             replay test scenarios
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/syrin/pkg/config"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// defaultConfigFile is read from the working directory when --config is not given.
const defaultConfigFile = "syrin.yaml"

var (
	configPath string
	logLevel   string
)

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// loadDotEnv loads path into the environment if it exists. Variables
// already in the environment win over its entries.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:          "syrin",
	Short:        "Static analysis and runtime guardrails for MCP tool servers",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "syrin %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file, YAML or TOML (default: ./"+defaultConfigFile+" if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override sinks.log_level (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config, falling back to ./syrin.yaml and then to the
// built-in defaults.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Sinks.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
