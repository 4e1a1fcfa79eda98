package app

import (
	"context"
	"fmt"

	"github.com/artpar/paywall/domain/conversion"
	"github.com/artpar/paywall/domain/fault"
	"github.com/artpar/paywall/ports"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// MultiplierLookup resolves a variant's price multiplier. It reports false for
// variants no longer in the catalog.
type MultiplierLookup func(experimentKey, variantID string) (decimal.Decimal, bool)

// ConversionLedger records experiment funnel counters and owns the
// at-most-once record of payment confirmations.
type ConversionLedger struct {
	counters      ports.ConversionStore
	confirmations ports.ConfirmationStore
	multiplier    MultiplierLookup
	logger        zerolog.Logger
}

// NewConversionLedger creates a new conversion ledger.
func NewConversionLedger(
	counters ports.ConversionStore,
	confirmations ports.ConfirmationStore,
	multiplier MultiplierLookup,
	logger zerolog.Logger,
) *ConversionLedger {
	return &ConversionLedger{
		counters:      counters,
		confirmations: confirmations,
		multiplier:    multiplier,
		logger:        logger,
	}
}

// RecordEvent increments one funnel counter. Revenue is only added for
// conversions and must not be negative.
func (c *ConversionLedger) RecordEvent(ctx context.Context, experimentKey, variantID string, kind conversion.Kind, revenue decimal.Decimal) error {
	if experimentKey == "" || variantID == "" {
		return fault.Invalid("variant_id", "experiment key and variant id are required")
	}
	if revenue.IsNegative() {
		return fault.Invalid("revenue", "revenue must not be negative")
	}
	if _, err := conversion.ParseKind(string(kind)); err != nil {
		return fault.Invalid("kind", err.Error())
	}

	if err := c.counters.Increment(ctx, experimentKey, variantID, conversion.Delta(kind, revenue)); err != nil {
		return fmt.Errorf("record %s: %w", kind, err)
	}
	return nil
}

// ProcessOnce runs apply the first time confirmationID is seen. When apply
// fails the id is released so the provider's retry can succeed. It reports
// whether apply ran.
func (c *ConversionLedger) ProcessOnce(ctx context.Context, confirmationID string, apply func(context.Context) error) (bool, error) {
	if confirmationID == "" {
		return false, fault.Invalid("confirmation_id", "confirmation id is required")
	}

	first, err := c.confirmations.MarkProcessed(ctx, confirmationID)
	if err != nil {
		return false, fmt.Errorf("check confirmation: %w", err)
	}
	if !first {
		c.logger.Info().Str("confirmation_id", confirmationID).Msg("duplicate confirmation ignored")
		return false, nil
	}

	if err := apply(ctx); err != nil {
		if relErr := c.confirmations.Release(ctx, confirmationID); relErr != nil {
			c.logger.Error().Err(relErr).
				Str("confirmation_id", confirmationID).
				Msg("failed to release confirmation after apply error")
		}
		return false, err
	}
	return true, nil
}

// RecordConversion counts a confirmed purchase at most once per confirmation.
// It reports false for a duplicate.
func (c *ConversionLedger) RecordConversion(ctx context.Context, confirmationID, experimentKey, variantID string, revenue decimal.Decimal) (bool, error) {
	return c.ProcessOnce(ctx, confirmationID, func(ctx context.Context) error {
		return c.RecordEvent(ctx, experimentKey, variantID, conversion.KindConversion, revenue)
	})
}

// Summarize returns per-variant metrics ordered by variant id.
func (c *ConversionLedger) Summarize(ctx context.Context, experimentKey string) ([]conversion.Metric, error) {
	rows, err := c.counters.List(ctx, experimentKey)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	return conversion.Summarize(rows), nil
}

// BestVariant returns the variant maximizing the objective. Ties go to the
// cheaper variant. Returns fault.ErrNotFound when nothing was recorded.
func (c *ConversionLedger) BestVariant(ctx context.Context, experimentKey string, by conversion.Objective) (string, error) {
	metrics, err := c.Summarize(ctx, experimentKey)
	if err != nil {
		return "", err
	}
	lookup := func(variantID string) (decimal.Decimal, bool) {
		if c.multiplier == nil {
			return decimal.Zero, false
		}
		return c.multiplier(experimentKey, variantID)
	}
	id, ok := conversion.Best(metrics, by, lookup)
	if !ok {
		return "", fmt.Errorf("experiment %s: %w", experimentKey, fault.ErrNotFound)
	}
	return id, nil
}
