package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/artpar/paywall/domain/usage"
	"github.com/artpar/paywall/ports"
)

// UsageStore implements ports.UsageStore using SQLite.
// Timestamps are stored as UTC unix nanoseconds so range filters are integer
// comparisons.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SubjectID, e.ResourceClass, string(e.EffectiveKind()),
		e.Units.Input, e.Units.Output, e.CostEstimate, e.Timestamp.UTC().UnixNano(), string(meta))
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// aggregateQuery computes the effective window start (latest reset or the
// trailing bound) and the sums in one statement.
const aggregateQuery = `
	WITH bounds AS (
		SELECT COALESCE(MAX(ts), ?) AS start
		FROM usage_events
		WHERE subject_id = ? AND kind = 'reset' AND ts >= ? AND ts <= ?
	)
	SELECT
		b.start,
		COALESCE(SUM(CASE WHEN e.kind = 'consumption' THEN e.input_units ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN e.kind = 'consumption' THEN e.output_units ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN e.kind = 'consumption' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN e.kind = 'grant' THEN e.input_units + e.output_units ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN e.kind = 'consumption' THEN e.cost_estimate ELSE 0.0 END), 0.0)
	FROM bounds b
	LEFT JOIN usage_events e
		ON e.subject_id = ? AND e.ts >= b.start AND e.ts <= ?
	GROUP BY b.start
`

// Aggregate returns the subject's usage over the trailing window.
func (s *UsageStore) Aggregate(ctx context.Context, subjectID string, end time.Time, size time.Duration) (usage.Usage, error) {
	start := usage.WindowBounds(end, size).UTC().UnixNano()
	endNano := end.UTC().UnixNano()

	var (
		effectiveStart int64
		result         = usage.Usage{SubjectID: subjectID, WindowEnd: end}
	)
	err := s.db.QueryRowContext(ctx, aggregateQuery,
		start, subjectID, start, endNano,
		subjectID, endNano,
	).Scan(
		&effectiveStart,
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
	result.WindowStart = time.Unix(0, effectiveStart).In(end.Location())
	return result, nil
}

// Prune deletes events older than before.
func (s *UsageStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM usage_events WHERE ts < ?", before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune usage events: %w", err)
	}
	return res.RowsAffected()
}

// Events returns a subject's events ordered by time, for inspection tools.
func (s *UsageStore) Events(ctx context.Context, subjectID string, since time.Time) ([]usage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, resource_class, kind, input_units, output_units,
			cost_estimate, ts, metadata
		FROM usage_events
		WHERE subject_id = ? AND ts >= ?
		ORDER BY ts ASC
	`, subjectID, since.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		var (
			e    usage.Event
			kind string
			ts   int64
			meta string
		)
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.ResourceClass, &kind,
			&e.Units.Input, &e.Units.Output, &e.CostEstimate, &ts, &meta); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		e.Kind = usage.Kind(kind)
		e.Timestamp = time.Unix(0, ts).UTC()
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
