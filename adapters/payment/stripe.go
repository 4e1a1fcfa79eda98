// Package payment provides payment provider adapters.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/artpar/paywall/domain/fault"
	"github.com/artpar/paywall/domain/pricing"
	"github.com/artpar/paywall/ports"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Metadata keys attached to every payment so confirmations can be attributed.
const (
	MetaSubjectID   = "subject_id"
	MetaProductType = "product_type"
	MetaExperiment  = "experiment"
	MetaVariantID   = "variant_id"
	MetaOfferID     = "offer_id"
)

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey     string
	PublicKey     string
	WebhookSecret string
	APIURL        string // optional override of the API base URL
}

// StripeProvider implements ports.PaymentProvider with one-off PaymentIntents.
// It owns its own API client instead of the package-level stripe.Key.
type StripeProvider struct {
	config StripeConfig
	api    *client.API
}

// NewStripeProvider creates a new Stripe payment provider.
func NewStripeProvider(config StripeConfig) *StripeProvider {
	var backends *stripe.Backends
	if config.APIURL != "" {
		b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(config.APIURL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})
		backends = &stripe.Backends{API: b, Connect: b, Uploads: b}
	}

	api := &client.API{}
	api.Init(config.SecretKey, backends)
	return &StripeProvider{config: config, api: api}
}

// Name returns the provider name.
func (p *StripeProvider) Name() string {
	return "stripe"
}

// CreatePayment creates a PaymentIntent for the validated amount.
func (p *StripeProvider) CreatePayment(ctx context.Context, req ports.PaymentRequest) (ports.PaymentSession, error) {
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("%s upgrade", req.ProductType)
	}

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.Amount.MinorAmount()),
		Currency:    stripe.String(strings.ToLower(req.Amount.Currency)),
		Description: stripe.String(description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(MetaSubjectID, req.SubjectID)
	params.AddMetadata(MetaProductType, req.ProductType)
	params.AddMetadata(MetaExperiment, req.ExperimentKey)
	params.AddMetadata(MetaVariantID, req.VariantID)
	if req.OfferID != "" {
		params.AddMetadata(MetaOfferID, req.OfferID)
		params.SetIdempotencyKey("paywall-offer-" + req.OfferID)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return ports.PaymentSession{}, &fault.PaymentProviderError{Provider: p.Name(), Err: err}
	}
	return ports.PaymentSession{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// ParseConfirmation verifies the Stripe-Signature header and decodes
// payment_intent events. Other event types decode as not succeeded.
func (p *StripeProvider) ParseConfirmation(payload []byte, signature string) (ports.PaymentConfirmation, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.config.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return ports.PaymentConfirmation{}, fmt.Errorf("%w: %v", fault.ErrSignatureInvalid, err)
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
	default:
		return ports.PaymentConfirmation{ID: event.ID}, nil
	}

	var pi stripe.PaymentIntent
	if event.Data == nil {
		return ports.PaymentConfirmation{}, fmt.Errorf("stripe event %s has no data", event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return ports.PaymentConfirmation{}, fmt.Errorf("decode payment intent: %w", err)
	}

	currency := strings.ToUpper(string(pi.Currency))
	exp, ok := pricing.MinorUnit(currency)
	if !ok {
		exp = 2
	}

	return ports.PaymentConfirmation{
		// The intent id, not the event id: one purchase per intent.
		ID:            pi.ID,
		SessionID:     pi.ID,
		Succeeded:     event.Type == stripe.EventTypePaymentIntentSucceeded,
		SubjectID:     pi.Metadata[MetaSubjectID],
		ProductType:   pi.Metadata[MetaProductType],
		ExperimentKey: pi.Metadata[MetaExperiment],
		VariantID:     pi.Metadata[MetaVariantID],
		OfferID:       pi.Metadata[MetaOfferID],
		Amount:        pricing.Money{Amount: decimal.New(pi.Amount, -exp), Currency: currency},
	}, nil
}

// Ensure interface compliance.
var _ ports.PaymentProvider = (*StripeProvider)(nil)
