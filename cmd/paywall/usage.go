package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/artpar/paywall/adapters/clock"
	"github.com/artpar/paywall/adapters/idgen"
	"github.com/artpar/paywall/app"
	"github.com/artpar/paywall/bootstrap"
	"github.com/artpar/paywall/config"
	"github.com/artpar/paywall/domain/quota"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage SUBJECT",
	Short: "Show a subject's usage over the quota window",
	Long: `Show the units a subject has used in the trailing quota window, read
directly from the configured ledger.

Examples:
  paywall usage alice
  paywall usage alice --window 1h`,
	Args: cobra.ExactArgs(1),
	RunE: runUsage,
}

var (
	usageWindow time.Duration
)

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.Flags().DurationVar(&usageWindow, "window", 0, "window size (default: quota.window)")
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	logger := zerolog.New(io.Discard)
	stores, err := bootstrap.OpenStores(ctx, cfg, clock.Real{}, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	window := usageWindow
	if window == 0 {
		window = cfg.Quota.Window
	}

	ledger := app.NewUsageLedger(stores.Usage, clock.Real{}, idgen.UUID{Prefix: idgen.EventPrefix}, logger)
	u, err := ledger.WindowedUsage(ctx, args[0], window)
	if err != nil {
		return fmt.Errorf("failed to get usage: %w", err)
	}
	d := quota.Evaluate(u.UnitsUsed, 0, cfg.Quota.Limit, u.GrantedUnits)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage for %s\n", u.SubjectID)
	fmt.Fprintf(out, "Window: %s to %s\n\n", u.WindowStart.Format(time.RFC3339), u.WindowEnd.Format(time.RFC3339))
	fmt.Fprintf(out, "Units used:    %d\n", u.UnitsUsed)
	fmt.Fprintf(out, "  Input:       %d\n", u.InputUnits)
	fmt.Fprintf(out, "  Output:      %d\n", u.OutputUnits)
	fmt.Fprintf(out, "Granted:       %d\n", u.GrantedUnits)
	fmt.Fprintf(out, "Events:        %d\n", u.EventCount)
	fmt.Fprintf(out, "Cost estimate: $%.4f\n", u.CostEstimate)
	if d.Limit == quota.Unlimited {
		fmt.Fprintf(out, "Limit:         unlimited\n")
	} else {
		fmt.Fprintf(out, "Limit:         %d (%.1f%% used, %s)\n", d.Limit, d.PercentUsed, d.Outcome)
	}

	return nil
}
