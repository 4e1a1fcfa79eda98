package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/artpar/paywall/app"
	"github.com/artpar/paywall/bootstrap"
	"github.com/artpar/paywall/config"
	"github.com/artpar/paywall/domain/conversion"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var experimentCmd = &cobra.Command{
	Use:   "experiment KEY",
	Short: "Show conversion counters for a pricing experiment",
	Long: `Show impressions, clicks, conversions and revenue per variant, and the
variant that currently wins on the chosen objective.

Examples:
  paywall experiment token_limit
  paywall experiment token_limit --by conversion_rate`,
	Args: cobra.ExactArgs(1),
	RunE: runExperiment,
}

var (
	experimentBy string
)

func init() {
	rootCmd.AddCommand(experimentCmd)

	experimentCmd.Flags().StringVar(&experimentBy, "by", string(conversion.ByRevenue), "objective: revenue or conversion_rate")
}

func runExperiment(cmd *cobra.Command, args []string) error {
	by, err := conversion.ParseObjective(experimentBy)
	if err != nil {
		return err
	}

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return err
	}
	key := args[0]
	if _, ok := catalog.ExperimentByKey(key); !ok {
		return fmt.Errorf("unknown experiment: %s", key)
	}

	ctx := context.Background()
	logger := zerolog.New(io.Discard)
	stores, err := bootstrap.OpenStores(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	ledger := app.NewConversionLedger(stores.Conversions, stores.Confirmations, catalog.Multiplier, logger)
	metrics, err := ledger.Summarize(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to summarize: %w", err)
	}
	if len(metrics) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No experiment activity recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tIMPRESSIONS\tCLICKS\tCONVERSIONS\tREVENUE\tCONV RATE\tAOV")
	fmt.Fprintln(w, "-------\t-----------\t------\t-----------\t-------\t---------\t---")
	for _, m := range metrics {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%.2f%%\t%s\n",
			m.VariantID,
			m.Impressions,
			m.Clicks,
			m.Conversions,
			m.Revenue.StringFixed(2),
			m.ConversionRate*100,
			m.AverageOrderValue.StringFixed(2),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	best, err := ledger.BestVariant(ctx, key, by)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nBest by %s: %s\n", by, best)
	return nil
}
