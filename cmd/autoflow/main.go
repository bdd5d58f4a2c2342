// Package main is the entry point for the autoflow workflow server.
// It wires all dependencies together and exposes the operator commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/autoflow/internal/config"
	"github.com/pitabwire/autoflow/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:           "autoflow",
	Short:         "Workflow execution engine",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to configuration file (env: AUTOFLOW_CONFIG)")
	rootCmd.AddCommand(newServeCmd(), newMigrateCmd(), newImportCmd(), newValidateCmd())
}

func main() {
	observability.Version = version
	observability.Commit = commit

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the file named by --config, falling back to
// AUTOFLOW_CONFIG and then to built-in defaults.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = os.Getenv("AUTOFLOW_CONFIG")
	}
	return config.Load(path)
}
