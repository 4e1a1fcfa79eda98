package payment

import (
	"context"

	"github.com/artpar/paywall/domain/fault"
	"github.com/artpar/paywall/ports"
)

// NoopProvider is the payment provider used when payments are disabled.
// Every call fails with fault.ErrPaymentsDisabled.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op payment provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Name returns the provider name.
func (p *NoopProvider) Name() string {
	return "none"
}

// CreatePayment returns fault.ErrPaymentsDisabled.
func (p *NoopProvider) CreatePayment(ctx context.Context, req ports.PaymentRequest) (ports.PaymentSession, error) {
	return ports.PaymentSession{}, fault.ErrPaymentsDisabled
}

// ParseConfirmation returns fault.ErrPaymentsDisabled.
func (p *NoopProvider) ParseConfirmation(payload []byte, signature string) (ports.PaymentConfirmation, error) {
	return ports.PaymentConfirmation{}, fault.ErrPaymentsDisabled
}

// Ensure interface compliance.
var _ ports.PaymentProvider = (*NoopProvider)(nil)
