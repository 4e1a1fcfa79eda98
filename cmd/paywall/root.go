package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "paywall",
	Short: "Quota-gated paywall with pricing experiments",
	Long: `Paywall meters token usage per subject over a trailing window and,
when the quota runs out, presents a priced upgrade offer chosen by a
deterministic pricing experiment.

Quick start:
  paywall validate  # Check paywall.yaml
  paywall serve     # Start the HTTP API

Inspection:
  paywall assign     # Show the variant and price a subject sees
  paywall usage      # Show a subject's windowed usage
  paywall experiment # Show experiment counters`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "paywall.yaml", "config file path")
}
