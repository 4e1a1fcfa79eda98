package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/artpar/paywall/bootstrap"
	"github.com/artpar/paywall/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the paywall configuration file.

Checks:
  - YAML syntax is valid
  - Products, experiments and quota features are consistent
  - Every product has an experiment with exactly one control variant
  - The database is reachable (optional)

Examples:
  paywall validate
  paywall validate --config /etc/paywall/paywall.yaml --check-database`,
	RunE: runValidate,
}

var (
	validateCheckDatabase bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if the ledger database is reachable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	// Check file exists
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

	// Load and validate config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	// Show config summary
	fmt.Fprintf(out, "  %s Quota: %d units per %s\n", checkMark, cfg.Quota.Limit, cfg.Quota.Window)
	fmt.Fprintf(out, "  %s Database: %s\n", checkMark, cfg.Database.Driver)
	fmt.Fprintf(out, "  %s Payment provider: %s\n", checkMark, cfg.Payment.Provider)
	fmt.Fprintf(out, "  %s Products configured: %d\n", checkMark, len(cfg.Products))
	for _, e := range cfg.Experiments {
		fmt.Fprintf(out, "      %s: %d variants\n", e.Key, len(e.Variants))
	}

	// Optional: check database
	if validateCheckDatabase {
		if err := checkDatabase(cfg); err != nil {
			fmt.Fprintf(out, "  %s Database reachable\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  %s Database reachable\n", checkMark)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

func checkDatabase(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stores, err := bootstrap.OpenStores(ctx, cfg, nil, zerolog.New(io.Discard))
	if err != nil {
		return err
	}
	defer stores.Close()
	if stores.Health != nil {
		return stores.Health.HealthCheck(ctx)
	}
	return nil
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
