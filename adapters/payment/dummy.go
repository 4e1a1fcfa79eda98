package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/artpar/paywall/domain/fault"
	"github.com/artpar/paywall/domain/pricing"
	"github.com/artpar/paywall/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Dummy event types.
const (
	DummyEventSucceeded = "payment.succeeded"
	DummyEventFailed    = "payment.failed"
)

// DummyEvent is the callback body accepted by DummyProvider.
type DummyEvent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	SubjectID     string `json:"subject_id"`
	ProductType   string `json:"product_type"`
	ExperimentKey string `json:"experiment"`
	VariantID     string `json:"variant_id"`
	OfferID       string `json:"offer_id,omitempty"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

// DummyProvider is a development payment provider. Sessions always succeed to
// open, and callbacks are HMAC-SHA256 signed with a shared secret so the
// confirmation path is exercised end to end without real credentials.
type DummyProvider struct {
	secret []byte
}

// NewDummyProvider creates a new dummy payment provider.
func NewDummyProvider(secret string) *DummyProvider {
	return &DummyProvider{secret: []byte(secret)}
}

// Name returns the provider name.
func (p *DummyProvider) Name() string {
	return "dummy"
}

// CreatePayment returns a fake session.
func (p *DummyProvider) CreatePayment(ctx context.Context, req ports.PaymentRequest) (ports.PaymentSession, error) {
	id := "dummy_pi_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	return ports.PaymentSession{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.New().String()[:8],
	}, nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func (p *DummyProvider) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedEvent builds and signs a success callback for a session.
func (p *DummyProvider) SignedEvent(sessionID string, req ports.PaymentRequest) ([]byte, string, error) {
	payload, err := json.Marshal(DummyEvent{
		ID:            "evt_" + sessionID,
		Type:          DummyEventSucceeded,
		SessionID:     sessionID,
		SubjectID:     req.SubjectID,
		ProductType:   req.ProductType,
		ExperimentKey: req.ExperimentKey,
		VariantID:     req.VariantID,
		OfferID:       req.OfferID,
		Amount:        req.Amount.Amount.String(),
		Currency:      req.Amount.Currency,
	})
	if err != nil {
		return nil, "", err
	}
	return payload, p.Sign(payload), nil
}

// ParseConfirmation verifies the signature ("sha256=" prefix optional) and
// decodes the event.
func (p *DummyProvider) ParseConfirmation(payload []byte, signature string) (ports.PaymentConfirmation, error) {
	signature = strings.TrimPrefix(signature, "sha256=")
	if len(p.secret) == 0 || !hmac.Equal([]byte(signature), []byte(p.Sign(payload))) {
		return ports.PaymentConfirmation{}, fault.ErrSignatureInvalid
	}

	var e DummyEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return ports.PaymentConfirmation{}, fmt.Errorf("decode dummy event: %w", err)
	}
	amount, err := decimal.NewFromString(e.Amount)
	if err != nil {
		return ports.PaymentConfirmation{}, fmt.Errorf("decode dummy amount: %w", err)
	}

	id := e.SessionID
	if id == "" {
		id = e.ID
	}
	return ports.PaymentConfirmation{
		ID:            id,
		SessionID:     e.SessionID,
		Succeeded:     e.Type == DummyEventSucceeded,
		SubjectID:     e.SubjectID,
		ProductType:   e.ProductType,
		ExperimentKey: e.ExperimentKey,
		VariantID:     e.VariantID,
		OfferID:       e.OfferID,
		Amount:        pricing.Money{Amount: amount, Currency: strings.ToUpper(e.Currency)},
	}, nil
}

// Ensure interface compliance.
var _ ports.PaymentProvider = (*DummyProvider)(nil)
