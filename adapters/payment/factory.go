package payment

import (
	"fmt"

	"github.com/artpar/paywall/ports"
)

// Config selects and configures a provider.
type Config struct {
	Provider    string // stripe, dummy, none
	Stripe      StripeConfig
	DummySecret string
}

// NewProvider creates a payment provider from configuration.
// An empty or "none" provider yields a NoopProvider, so callers always hold a
// non-nil provider and absence surfaces as fault.ErrPaymentsDisabled.
func NewProvider(cfg Config) (ports.PaymentProvider, error) {
	switch cfg.Provider {
	case "stripe":
		if cfg.Stripe.SecretKey == "" {
			return nil, fmt.Errorf("stripe secret key is required")
		}
		if cfg.Stripe.WebhookSecret == "" {
			return nil, fmt.Errorf("stripe webhook secret is required")
		}
		return NewStripeProvider(cfg.Stripe), nil

	case "dummy", "test":
		if cfg.DummySecret == "" {
			return nil, fmt.Errorf("dummy provider requires a webhook secret")
		}
		return NewDummyProvider(cfg.DummySecret), nil

	case "none", "":
		return NewNoopProvider(), nil

	default:
		return nil, fmt.Errorf("unknown payment provider: %s", cfg.Provider)
	}
}
