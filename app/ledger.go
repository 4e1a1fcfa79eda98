// Package app contains the services that orchestrate the pure domain packages
// over the store ports: the usage ledger, the quota enforcer, the conversion
// ledger and the paywall gateway.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/paywall/domain/fault"
	"github.com/artpar/paywall/domain/usage"
	"github.com/artpar/paywall/ports"
	"github.com/rs/zerolog"
)

// UsageLedger appends usage events and answers windowed aggregates.
// It is the only writer of usage events.
type UsageLedger struct {
	store  ports.UsageStore
	clock  ports.Clock
	idGen  ports.IDGenerator
	logger zerolog.Logger
}

// NewUsageLedger creates a new usage ledger.
func NewUsageLedger(store ports.UsageStore, clock ports.Clock, idGen ports.IDGenerator, logger zerolog.Logger) *UsageLedger {
	return &UsageLedger{
		store:  store,
		clock:  clock,
		idGen:  idGen,
		logger: logger,
	}
}

// RecordUsage validates and appends one event, filling in a missing id or
// timestamp. Consumption must only be recorded once the work is done.
func (l *UsageLedger) RecordUsage(ctx context.Context, e usage.Event) (usage.Event, error) {
	if err := e.Validate(); err != nil {
		return usage.Event{}, err
	}
	if e.ID == "" {
		e.ID = l.idGen.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock.Now()
	}
	e.Kind = e.EffectiveKind()

	if err := l.store.Append(ctx, e); err != nil {
		l.logger.Error().Err(err).
			Str("subject_id", e.SubjectID).
			Str("kind", string(e.Kind)).
			Msg("failed to append usage event")
		return usage.Event{}, fmt.Errorf("record usage: %w", err)
	}

	l.logger.Debug().
		Str("subject_id", e.SubjectID).
		Str("kind", string(e.Kind)).
		Int64("units", e.Units.Total()).
		Msg("usage recorded")
	return e, nil
}

// WindowedUsage returns the subject's usage over [now-window, now].
// Unknown subjects have zero usage.
func (l *UsageLedger) WindowedUsage(ctx context.Context, subjectID string, window time.Duration) (usage.Usage, error) {
	if subjectID == "" {
		return usage.Usage{}, &fault.ValidationError{Code: fault.CodeMissingUserID, Field: "subject_id", Message: "subject id is required"}
	}
	if window <= 0 {
		window = usage.DefaultWindow
	}
	return l.store.Aggregate(ctx, subjectID, l.clock.Now(), window)
}

// Prune removes events older than the retention period.
func (l *UsageLedger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	before := l.clock.Now().Add(-retention)
	n, err := l.store.Prune(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	if n > 0 {
		l.logger.Info().Int64("removed", n).Time("before", before).Msg("pruned usage events")
	}
	return n, nil
}
