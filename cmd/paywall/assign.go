package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/artpar/paywall/config"
	"github.com/spf13/cobra"
)

var assignCmd = &cobra.Command{
	Use:   "assign SUBJECT...",
	Short: "Show the variant and price each subject is offered",
	Long: `Show the deterministic experiment assignment for one or more subjects.

Assignment is a pure function of the subject, the experiment key and the
configured variants, so this matches what the server offers.

Examples:
  paywall assign alice bob
  paywall assign --experiment token_pack user_123`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAssign,
}

var (
	assignExperiment string
)

func init() {
	rootCmd.AddCommand(assignCmd)

	assignCmd.Flags().StringVarP(&assignExperiment, "experiment", "e", "", "experiment key (default: experiment of the default product)")
}

func runAssign(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return err
	}

	var key string
	if assignExperiment != "" {
		key = assignExperiment
	} else if exp, ok := catalog.Experiment(cfg.Quota.DefaultProduct); ok {
		key = exp.Key
	}
	exp, ok := catalog.ExperimentByKey(key)
	if !ok {
		return fmt.Errorf("unknown experiment: %s", key)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SUBJECT\tEXPERIMENT\tVARIANT\tMULTIPLIER\tPRICE")
	fmt.Fprintln(w, "-------\t----------\t-------\t----------\t-----")

	for _, subject := range args {
		v, err := exp.Assign(subject)
		if err != nil {
			return err
		}
		price, err := catalog.PriceFor(exp.ProductType, v)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", subject, exp.Key, v.ID, v.Multiplier, price)
	}

	return w.Flush()
}
