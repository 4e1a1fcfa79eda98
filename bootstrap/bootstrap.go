// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file with PAYWALL_* environment overrides;
// without a file the environment and built-in defaults are used.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artpar/paywall/adapters/clock"
	apihttp "github.com/artpar/paywall/adapters/http"
	"github.com/artpar/paywall/adapters/idgen"
	"github.com/artpar/paywall/adapters/metrics"
	"github.com/artpar/paywall/adapters/payment"
	"github.com/artpar/paywall/app"
	"github.com/artpar/paywall/config"
	"github.com/artpar/paywall/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config // as loaded at startup; Holder has the live copy
	Holder     *config.Holder // nil unless hot reload is enabled
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Gateway    *app.Gateway
	Ledger     *app.UsageLedger

	clock  ports.Clock
	stores *Stores
	pruner *RetentionPruner
}

// Options controls application initialization.
type Options struct {
	// ConfigPath is the YAML file. Missing files fall back to the environment.
	ConfigPath string

	// Watch enables hot reload on file change and SIGHUP.
	Watch bool

	// Registry receives the metrics. Nil uses the default registerer.
	Registry *prometheus.Registry

	// LogOutput defaults to stdout.
	LogOutput io.Writer

	// Clock defaults to the wall clock.
	Clock ports.Clock
}

// New creates and initializes the application.
func New(opts Options) (*App, error) {
	cfg, err := config.LoadWithFallback(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := NewLogger(cfg.Logging, opts.LogOutput)
	logger.Info().Str("driver", cfg.Database.Driver).Msg("initializing paywall")

	a := &App{
		Logger: logger,
		Config: cfg,
		clock:  clock.Or(opts.Clock),
	}

	if cfg.Metrics.Enabled {
		if opts.Registry != nil {
			a.Metrics = metrics.NewWithRegistry(opts.Registry)
		} else {
			a.Metrics = metrics.New()
		}
		logger.Info().Msg("prometheus metrics enabled")
	}

	stores, err := OpenStores(context.Background(), cfg, a.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	a.stores = stores

	if err := a.initGateway(); err != nil {
		a.Shutdown()
		return nil, fmt.Errorf("init gateway: %w", err)
	}

	a.initHTTPServer(opts)

	if opts.Watch && opts.ConfigPath != "" {
		if err := a.watchConfig(opts.ConfigPath); err != nil {
			logger.Warn().Err(err).Msg("config hot reload disabled")
		}
	}

	a.pruner = NewRetentionPruner(a.Ledger, cfg.Quota.Retention, cfg.Quota.PruneInterval, logger)

	return a, nil
}

func (a *App) initGateway() error {
	cfg := a.Config

	paymentProvider, err := payment.NewProvider(payment.Config{
		Provider: cfg.Payment.Provider,
		Stripe: payment.StripeConfig{
			SecretKey:     cfg.Payment.StripeSecretKey,
			PublicKey:     cfg.Payment.StripePublicKey,
			WebhookSecret: cfg.Payment.StripeWebhookSecret,
			APIURL:        cfg.Payment.StripeAPIURL,
		},
		DummySecret: cfg.Payment.DummySecret,
	})
	if err != nil {
		return fmt.Errorf("payment provider: %w", err)
	}
	a.Logger.Info().Str("provider", paymentProvider.Name()).Msg("payment provider configured")

	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return err
	}

	a.Ledger = app.NewUsageLedger(a.stores.Usage, a.clock, idgen.UUID{Prefix: idgen.EventPrefix}, a.Logger)
	enforcer := app.NewQuotaEnforcer(a.Ledger, a.Logger)

	// The lookup reads the gateway's live catalog so reloads apply to
	// revenue attribution too.
	var gw *app.Gateway
	conversions := app.NewConversionLedger(
		a.stores.Conversions,
		a.stores.Confirmations,
		func(key, variant string) (decimal.Decimal, bool) {
			return gw.Multiplier(key, variant)
		},
		a.Logger,
	)

	gw, err = app.NewGateway(app.GatewayDeps{
		Enforcer:    enforcer,
		Ledger:      a.Ledger,
		Conversions: conversions,
		Payments:    paymentProvider,
		Clock:       a.clock,
		IDGen:       idgen.UUID{Prefix: idgen.OfferPrefix},
		Logger:      a.Logger,
	}, catalog, cfg.Policy())
	if err != nil {
		return err
	}
	a.Gateway = gw

	a.Logger.Info().
		Int64("limit", cfg.Quota.Limit).
		Dur("window", cfg.Quota.Window).
		Strs("products", catalog.Products()).
		Msg("paywall gateway ready")
	return nil
}

func (a *App) initHTTPServer(opts Options) {
	cfg := a.Config

	var handler *apihttp.Handler
	if a.Metrics != nil {
		handler = apihttp.NewHandlerWithMetrics(a.Gateway, a.Logger, a.Metrics)
	} else {
		handler = apihttp.NewHandler(a.Gateway, a.Logger)
	}
	health := apihttp.NewHealthHandler(a.stores.Health)

	routerCfg := apihttp.RouterConfig{
		Metrics:     a.Metrics,
		MetricsPath: cfg.Metrics.Path,
		Timeout:     cfg.Server.RequestTimeout,
	}
	if a.Metrics != nil && opts.Registry != nil {
		routerCfg.MetricsHandler = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
	}

	router := apihttp.NewRouter(handler, health, a.Logger, routerCfg)

	a.HTTPServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("http server configured")
}

func (a *App) watchConfig(path string) error {
	holder, err := config.NewHolder(path, a.Logger)
	if err != nil {
		return err
	}
	holder.OnChange(func(cfg *config.Config) {
		if err := a.ApplyConfig(cfg); err != nil {
			a.Logger.Error().Err(err).Msg("reloaded config rejected by gateway")
			if a.Metrics != nil {
				a.Metrics.ConfigReloadErrors.Inc()
			}
		}
	})
	holder.OnError(func(error) {
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
	})
	if err := holder.WatchFile(); err != nil {
		holder.Stop()
		return err
	}
	holder.WatchSignals()
	a.Holder = holder
	return nil
}

// ApplyConfig swaps the reloadable parts of cfg into the running gateway.
// Storage, payment and server settings need a restart.
func (a *App) ApplyConfig(cfg *config.Config) error {
	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return err
	}
	if err := a.Gateway.Update(catalog, cfg.Policy()); err != nil {
		return err
	}

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if a.Metrics != nil {
		a.Metrics.ConfigReloads.Inc()
		a.Metrics.ConfigLastReload.SetToCurrentTime()
	}
	a.Logger.Info().Int64("limit", cfg.Quota.Limit).Msg("gateway configuration applied")
	return nil
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.Holder != nil {
		a.Holder.Stop()
	}

	// Shutdown HTTP server
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.pruner != nil {
		a.pruner.Close()
	}

	// Close stores last so in-flight requests can finish
	if a.stores != nil {
		if err := a.stores.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("store close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(out).With().Timestamp().Logger()
}
