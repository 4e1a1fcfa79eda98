package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/artpar/paywall/adapters/clock"
	"github.com/artpar/paywall/domain/conversion"
	"github.com/artpar/paywall/domain/usage"
	"github.com/artpar/paywall/ports"
)

// -----------------------------------------------------------------------------
// Usage ledger
// -----------------------------------------------------------------------------

// UsageStore implements ports.UsageStore using PostgreSQL.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a PostgreSQL usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Append inserts one event.
func (s *UsageStore) Append(ctx context.Context, e usage.Event) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (
			id, subject_id, resource_class, kind, input_units, output_units,
			cost_estimate, ts, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.SubjectID, e.ResourceClass, string(e.EffectiveKind()),
		e.Units.Input, e.Units.Output, e.CostEstimate, e.Timestamp.UTC(), string(meta))
	if isUniqueViolation(err) {
		return fmt.Errorf("usage event %s already recorded: %w", e.ID, err)
	}
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

const aggregateQuery = `
	WITH bounds AS (
		SELECT COALESCE(MAX(ts), $1) AS start
		FROM usage_events
		WHERE subject_id = $2 AND kind = 'reset' AND ts >= $1 AND ts <= $3
	)
	SELECT
		b.start,
		COALESCE(SUM(e.input_units) FILTER (WHERE e.kind = 'consumption'), 0),
		COALESCE(SUM(e.output_units) FILTER (WHERE e.kind = 'consumption'), 0),
		COUNT(e.id) FILTER (WHERE e.kind = 'consumption'),
		COALESCE(SUM(e.input_units + e.output_units) FILTER (WHERE e.kind = 'grant'), 0),
		COALESCE(SUM(e.cost_estimate) FILTER (WHERE e.kind = 'consumption'), 0)
	FROM bounds b
	LEFT JOIN usage_events e
		ON e.subject_id = $2 AND e.ts >= b.start AND e.ts <= $3
	GROUP BY b.start
`

// Aggregate returns the subject's usage over the trailing window in a single
// statement.
func (s *UsageStore) Aggregate(ctx context.Context, subjectID string, end time.Time, size time.Duration) (usage.Usage, error) {
	start := usage.WindowBounds(end, size).UTC()

	result := usage.Usage{SubjectID: subjectID, WindowEnd: end}
	err := s.db.QueryRowContext(ctx, aggregateQuery, start, subjectID, end.UTC()).Scan(
		&result.WindowStart,
		&result.InputUnits,
		&result.OutputUnits,
		&result.EventCount,
		&result.GrantedUnits,
		&result.CostEstimate,
	)
	if err != nil {
		return usage.Usage{}, fmt.Errorf("aggregate usage: %w", err)
	}
	result.UnitsUsed = usage.SaturatingAdd(result.InputUnits, result.OutputUnits)
	return result, nil
}

// Prune deletes events older than before.
func (s *UsageStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM usage_events WHERE ts < $1", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune usage events: %w", err)
	}
	return res.RowsAffected()
}

// -----------------------------------------------------------------------------
// Conversion counters
// -----------------------------------------------------------------------------

// ConversionStore implements ports.ConversionStore using PostgreSQL.
type ConversionStore struct {
	db    *DB
	clock ports.Clock
}

// NewConversionStore creates a PostgreSQL conversion store. A nil clock
// stamps rows with wall time.
func NewConversionStore(db *DB, clk ports.Clock) *ConversionStore {
	return &ConversionStore{db: db, clock: clock.Or(clk)}
}

// Increment upserts the row, adding delta atomically.
func (s *ConversionStore) Increment(ctx context.Context, experimentKey, variantID string, delta conversion.Counters) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversion_counters (
			experiment_key, variant_id, impressions, clicks, conversions, revenue, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (experiment_key, variant_id) DO UPDATE SET
			impressions = conversion_counters.impressions + EXCLUDED.impressions,
			clicks = conversion_counters.clicks + EXCLUDED.clicks,
			conversions = conversion_counters.conversions + EXCLUDED.conversions,
			revenue = conversion_counters.revenue + EXCLUDED.revenue,
			updated_at = EXCLUDED.updated_at
	`, experimentKey, variantID, delta.Impressions, delta.Clicks, delta.Conversions, delta.Revenue, s.clock.Now())
	if err != nil {
		return fmt.Errorf("increment conversion counters: %w", err)
	}
	return nil
}

// List returns every variant row for the experiment.
func (s *ConversionStore) List(ctx context.Context, experimentKey string) ([]conversion.Counters, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant_id, impressions, clicks, conversions, revenue
		FROM conversion_counters
		WHERE experiment_key = $1
		ORDER BY variant_id
	`, experimentKey)
	if err != nil {
		return nil, fmt.Errorf("query conversion counters: %w", err)
	}
	defer rows.Close()

	var out []conversion.Counters
	for rows.Next() {
		c := conversion.Counters{ExperimentKey: experimentKey}
		if err := rows.Scan(&c.VariantID, &c.Impressions, &c.Clicks, &c.Conversions, &c.Revenue); err != nil {
			return nil, fmt.Errorf("scan conversion counters: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Confirmations
// -----------------------------------------------------------------------------

// ConfirmationStore implements ports.ConfirmationStore using PostgreSQL.
type ConfirmationStore struct {
	db    *DB
	clock ports.Clock
}

// NewConfirmationStore creates a PostgreSQL confirmation store.
func NewConfirmationStore(db *DB, clk ports.Clock) *ConfirmationStore {
	return &ConfirmationStore{db: db, clock: clock.Or(clk)}
}

// MarkProcessed returns true when this call inserted the id.
func (s *ConfirmationStore) MarkProcessed(ctx context.Context, confirmationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO payment_confirmations (id, processed_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING",
		confirmationID, s.clock.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("mark confirmation processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release forgets an id.
func (s *ConfirmationStore) Release(ctx context.Context, confirmationID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM payment_confirmations WHERE id = $1", confirmationID); err != nil {
		return fmt.Errorf("release confirmation: %w", err)
	}
	return nil
}

// Ensure interface compliance.
var (
	_ ports.UsageStore        = (*UsageStore)(nil)
	_ ports.ConversionStore   = (*ConversionStore)(nil)
	_ ports.ConfirmationStore = (*ConfirmationStore)(nil)
)
