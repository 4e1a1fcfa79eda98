package sqlite

import (
	"context"
	"fmt"

	"github.com/artpar/paywall/adapters/clock"
	"github.com/artpar/paywall/domain/conversion"
	"github.com/artpar/paywall/ports"
	"github.com/shopspring/decimal"
)

// revenueScale stores revenue as integer micro-units so increments stay exact.
const revenueScale = 6

// ConversionStore implements ports.ConversionStore using SQLite.
type ConversionStore struct {
	db    *DB
	clock ports.Clock
}

// NewConversionStore creates a new SQLite conversion store. updated_at is
// stamped from clk; nil uses the wall clock.
func NewConversionStore(db *DB, clk ports.Clock) *ConversionStore {
	return &ConversionStore{db: db, clock: clock.Or(clk)}
}

// Increment upserts the (experiment, variant) row, adding delta in place.
func (s *ConversionStore) Increment(ctx context.Context, experimentKey, variantID string, delta conversion.Counters) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversion_counters (
			experiment_key, variant_id, impressions, clicks, conversions, revenue_micros, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(experiment_key, variant_id) DO UPDATE SET
			impressions = impressions + excluded.impressions,
			clicks = clicks + excluded.clicks,
			conversions = conversions + excluded.conversions,
			revenue_micros = revenue_micros + excluded.revenue_micros,
			updated_at = excluded.updated_at
	`, experimentKey, variantID, delta.Impressions, delta.Clicks, delta.Conversions,
		toMicros(delta.Revenue), s.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("increment conversion counters: %w", err)
	}
	return nil
}

// List returns every variant row for the experiment.
func (s *ConversionStore) List(ctx context.Context, experimentKey string) ([]conversion.Counters, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant_id, impressions, clicks, conversions, revenue_micros
		FROM conversion_counters
		WHERE experiment_key = ?
		ORDER BY variant_id
	`, experimentKey)
	if err != nil {
		return nil, fmt.Errorf("query conversion counters: %w", err)
	}
	defer rows.Close()

	var out []conversion.Counters
	for rows.Next() {
		c := conversion.Counters{ExperimentKey: experimentKey}
		var micros int64
		if err := rows.Scan(&c.VariantID, &c.Impressions, &c.Clicks, &c.Conversions, &micros); err != nil {
			return nil, fmt.Errorf("scan conversion counters: %w", err)
		}
		c.Revenue = fromMicros(micros)
		out = append(out, c)
	}
	return out, rows.Err()
}

func toMicros(d decimal.Decimal) int64 {
	return d.Shift(revenueScale).Round(0).IntPart()
}

func fromMicros(n int64) decimal.Decimal {
	return decimal.New(n, -revenueScale)
}

// Ensure interface compliance.
var _ ports.ConversionStore = (*ConversionStore)(nil)
