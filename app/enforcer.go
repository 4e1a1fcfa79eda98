package app

import (
	"context"
	"time"

	"github.com/artpar/paywall/domain/fault"
	"github.com/artpar/paywall/domain/quota"
	"github.com/artpar/paywall/domain/usage"
	"github.com/rs/zerolog"
)

// EvaluateRequest is one enforcement question.
type EvaluateRequest struct {
	SubjectID string
	Limit     int64         // quota.Unlimited disables enforcement
	Window    time.Duration // 0 means usage.DefaultWindow
	Increment int64         // Units the pending operation is expected to use
	Path      quota.Path    // Failure policy when usage cannot be read
}

// QuotaEnforcer turns windowed usage and a limit into a decision.
// It holds no state; every call reads the ledger afresh.
type QuotaEnforcer struct {
	ledger *UsageLedger
	logger zerolog.Logger
}

// NewQuotaEnforcer creates a new quota enforcer.
func NewQuotaEnforcer(ledger *UsageLedger, logger zerolog.Logger) *QuotaEnforcer {
	return &QuotaEnforcer{ledger: ledger, logger: logger}
}

// Evaluate decides whether the pending operation may run.
//
// When usage cannot be read, a read path fails open (Allow, Degraded) and a
// spend path fails closed with *fault.QuotaUnavailableError.
//
// Concurrent requests near the limit may all be admitted because nothing is
// reserved between the read and the later RecordUsage. The overshoot is
// bounded by the number of in-flight requests times their increment.
func (e *QuotaEnforcer) Evaluate(ctx context.Context, req EvaluateRequest) (quota.Decision, usage.Usage, error) {
	if req.SubjectID == "" {
		return quota.Decision{}, usage.Usage{}, &fault.ValidationError{Code: fault.CodeMissingUserID, Field: "subject_id", Message: "subject id is required"}
	}
	if req.Increment < 0 {
		return quota.Decision{}, usage.Usage{}, fault.Invalid("increment", "increment must not be negative")
	}
	if req.Limit < 0 {
		return quota.Evaluate(0, req.Increment, quota.Unlimited, 0), usage.Usage{SubjectID: req.SubjectID}, nil
	}

	u, err := e.ledger.WindowedUsage(ctx, req.SubjectID, req.Window)
	if err != nil {
		if req.Path.FailsOpen() {
			e.logger.Warn().Err(err).
				Str("subject_id", req.SubjectID).
				Str("path", string(req.Path)).
				Msg("usage unavailable, failing open")
			return quota.Open(req.Limit), usage.Usage{SubjectID: req.SubjectID}, nil
		}
		e.logger.Warn().Err(err).
			Str("subject_id", req.SubjectID).
			Str("path", string(req.Path)).
			Msg("usage unavailable, failing closed")
		return quota.Decision{}, usage.Usage{}, &fault.QuotaUnavailableError{SubjectID: req.SubjectID, Err: err}
	}

	d := quota.Evaluate(u.UnitsUsed, req.Increment, req.Limit, u.GrantedUnits)
	if d.Outcome >= quota.OutcomeWarn {
		e.logger.Info().
			Str("subject_id", req.SubjectID).
			Str("outcome", d.Outcome.String()).
			Int64("units_used", d.UnitsUsed).
			Int64("limit", d.Limit).
			Msg("quota threshold reached")
	}
	return d, u, nil
}
