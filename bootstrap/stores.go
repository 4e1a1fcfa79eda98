package bootstrap

import (
	"context"
	"errors"
	"fmt"

	apihttp "github.com/artpar/paywall/adapters/http"
	"github.com/artpar/paywall/adapters/clock"
	"github.com/artpar/paywall/adapters/memory"
	"github.com/artpar/paywall/adapters/postgres"
	"github.com/artpar/paywall/adapters/redis"
	"github.com/artpar/paywall/adapters/sqlite"
	"github.com/artpar/paywall/config"
	"github.com/artpar/paywall/ports"
	"github.com/rs/zerolog"
)

// Stores groups the ledger backends selected by configuration.
type Stores struct {
	Usage         ports.UsageStore
	Conversions   ports.ConversionStore
	Confirmations ports.ConfirmationStore
	Health        apihttp.HealthChecker // nil for the memory driver

	closers []func() error
}

// OpenStores opens the configured database, applies its schema and, when a
// Redis address is set, moves confirmation idempotency to Redis. Stores stamp
// their rows from clk; nil uses the wall clock.
func OpenStores(ctx context.Context, cfg *config.Config, clk ports.Clock, logger zerolog.Logger) (*Stores, error) {
	clk = clock.Or(clk)
	s := &Stores{}

	switch cfg.Database.Driver {
	case "memory":
		usage := memory.NewUsageStoreWithConfig(memory.UsageStoreConfig{
			Retention: cfg.Quota.Retention,
			Clock:     clk,
		})
		s.Usage = usage
		s.Conversions = memory.NewConversionStore()
		s.Confirmations = memory.NewConfirmationStore()
		s.closers = append(s.closers, func() error {
			usage.Stop()
			return nil
		})
		logger.Warn().Msg("using in-memory ledger, usage is lost on restart")

	case "sqlite":
		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s.Usage = sqlite.NewUsageStore(db)
		s.Conversions = sqlite.NewConversionStore(db, clk)
		s.Confirmations = sqlite.NewConfirmationStore(db, clk)
		s.Health = db
		s.closers = append(s.closers, db.Close)
		logger.Info().Str("dsn", cfg.Database.DSN).Msg("database initialized")

	case "postgres":
		db, err := postgres.Open(cfg.Database.DSN, postgres.Options{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s.Usage = postgres.NewUsageStore(db)
		s.Conversions = postgres.NewConversionStore(db, clk)
		s.Confirmations = postgres.NewConfirmationStore(db, clk)
		s.Health = db
		s.closers = append(s.closers, db.Close)
		logger.Info().Msg("postgres database initialized")

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	if cfg.Redis.Addr != "" {
		confirmations, err := redis.NewConfirmationStore(ctx, redis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
			Clock:     clk,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Confirmations = confirmations
		s.closers = append(s.closers, confirmations.Close)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis confirmation store enabled")
	}

	return s, nil
}

// Close releases every backend, newest first.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
