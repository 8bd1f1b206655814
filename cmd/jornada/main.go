// Package main is the entry point for the jornada server. It wires all
// dependencies together and exposes the serve, sweep, migrate and token
// commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "jornada",
	Short: "Journey orchestration and milestone-driven billing",
	Long: `jornada runs client journeys through ordered template stages and turns
stage completions into billing actions on the attached payment plan.

Examples:
  # Run the HTTP API with the reconciliation sweep
  jornada serve --config config.yaml

  # Run a single reconciliation pass and exit
  jornada sweep --config config.yaml

  # Apply the PostgreSQL schema
  jornada migrate --config config.yaml
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (defaults only when empty)")
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
