// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/artpar/paywall/domain/conversion"
	"github.com/artpar/paywall/domain/pricing"
	"github.com/artpar/paywall/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// UsageStore persists the append-only usage ledger.
type UsageStore interface {
	// Append stores one event. Implementations must not read-modify-write.
	Append(ctx context.Context, e usage.Event) error

	// Aggregate returns the subject's usage over the trailing window
	// [end-size, end], honoring the latest reset inside it.
	Aggregate(ctx context.Context, subjectID string, end time.Time, size time.Duration) (usage.Usage, error)

	// Prune deletes events older than before (retention).
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// ConversionStore persists experiment counters keyed by (experiment, variant).
type ConversionStore interface {
	// Increment adds delta to the counters, creating them on first use.
	Increment(ctx context.Context, experimentKey, variantID string, delta conversion.Counters) error

	// List returns every variant row recorded for the experiment.
	List(ctx context.Context, experimentKey string) ([]conversion.Counters, error)
}

// ConfirmationStore remembers processed payment confirmations.
type ConfirmationStore interface {
	// MarkProcessed records the id and reports whether this call was the
	// first to do so.
	MarkProcessed(ctx context.Context, confirmationID string) (bool, error)

	// Release forgets the id so a failed confirmation can be retried.
	Release(ctx context.Context, confirmationID string) error
}

// -----------------------------------------------------------------------------
// Payment Provider Ports
// -----------------------------------------------------------------------------

// PaymentRequest describes a one-off purchase of a paywall product.
type PaymentRequest struct {
	SubjectID     string
	ProductType   string
	ExperimentKey string
	VariantID     string
	OfferID       string
	Description   string
	Amount        pricing.Money
}

// PaymentSession is the provider's handle for a pending payment.
type PaymentSession struct {
	ID           string
	ClientSecret string
}

// PaymentConfirmation is a verified provider callback.
type PaymentConfirmation struct {
	ID            string // unique per delivery target, used for idempotency
	SessionID     string
	Succeeded     bool
	SubjectID     string
	ProductType   string
	ExperimentKey string
	VariantID     string
	OfferID       string
	Amount        pricing.Money
}

// PaymentProvider interfaces with the payment processor (Stripe, dummy).
type PaymentProvider interface {
	// Name returns the provider name (e.g., "stripe", "dummy").
	Name() string

	// CreatePayment opens a payment session for a validated amount.
	CreatePayment(ctx context.Context, req PaymentRequest) (PaymentSession, error)

	// ParseConfirmation verifies the signature and decodes the callback.
	// Returns fault.ErrSignatureInvalid when verification fails.
	ParseConfirmation(payload []byte, signature string) (PaymentConfirmation, error)
}
