package main

import (
	"fmt"
	"os"

	"github.com/artpar/paywall/bootstrap"
	"github.com/spf13/cobra"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the paywall HTTP API",
	Long: `Start the paywall server.

The server will:
  - Load configuration from paywall.yaml (or --config)
  - Or load configuration from PAYWALL_* environment variables
  - Open the usage ledger (memory, sqlite or postgres)
  - Serve the gate, usage, offer, webhook and experiment endpoints

Environment variables (for Docker deployments):
  PAYWALL_DATABASE_DRIVER   - memory, sqlite or postgres (default: sqlite)
  PAYWALL_DATABASE_DSN      - Database path or DSN (default: paywall.db)
  PAYWALL_SERVER_PORT       - Server port (default: 8080)
  PAYWALL_QUOTA_LIMIT       - Units per window (default: 1000)
  PAYWALL_PAYMENT_PROVIDER  - none, stripe or dummy
  PAYWALL_LOG_LEVEL         - Log level: debug, info, warn, error

Examples:
  paywall serve
  paywall serve --config /etc/paywall/paywall.yaml
  paywall serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}
	if !hasConfigFile {
		fmt.Fprintln(cmd.ErrOrStderr(), "Running with environment variables (no config file)")
	}

	app, err := bootstrap.New(bootstrap.Options{
		ConfigPath: cfgFile,
		Watch:      hasConfigFile && hotReload,
	})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
