// Package cmd provides the CLI commands for abuse-gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/abusegate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "abuse-gate",
	Short: "abuse-gate - rate limiting and abuse mitigation",
	Long: `abuse-gate decides whether a request may proceed based on per-action
fixed-window counters, and records every denial for later review.

Quick start:
  1. Create a config file: abuse-gate.yaml (optional, defaults are usable)
  2. Run: abuse-gate start

Configuration:
  Config is loaded from abuse-gate.yaml in the current directory,
  $HOME/.abuse-gate/, or /etc/abuse-gate/. A .env file in the working
  directory is loaded first.

  Environment variables can override config values with the ABUSE_GATE_ prefix.
  Example: ABUSE_GATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the decision server
  stop        Stop the running server
  check       Evaluate one request against the configured store
  policies    Print the effective policy table
  violations  List recorded violations of a subject (admin API)
  offenders   List the top offenders (admin API)
  hash-key    Hash an admin API key for the config
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./abuse-gate.yaml)")
}

func initConfig() {
	if err := config.InitViper(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
