package paywall

import (
	"github.com/artpar/paywall/domain/pricing"
)

// Offer is the ephemeral upgrade proposal built for one enforcement call.
// It is never persisted; OfferID only correlates the purchase back to it.
type Offer struct {
	OfferID       string
	ProductType   string
	ExperimentKey string
	VariantID     string
	Price         pricing.Money
	Message       string
	UpgradeURL    string
}

// OfferBody is the "paywall" object of the 402 contract.
type OfferBody struct {
	Type       string  `json:"type"`
	Cost       float64 `json:"cost"`
	Message    string  `json:"message"`
	Currency   string  `json:"currency"`
	VariantID  string  `json:"variant_id"`
	Experiment string  `json:"experiment"`
	OfferID    string  `json:"offer_id"`
}

// BlockedBody is the HTTP 402 response contract.
type BlockedBody struct {
	Error      string    `json:"error"`
	TokensUsed int64     `json:"tokens_used"`
	Limit      int64     `json:"limit"`
	Paywall    OfferBody `json:"paywall"`
	UpgradeURL string    `json:"upgrade_url"`
}

// Body renders the offer as the paywall object.
func (o Offer) Body() OfferBody {
	return OfferBody{
		Type:       o.ProductType,
		Cost:       o.Price.Float(),
		Message:    o.Message,
		Currency:   o.Price.Currency,
		VariantID:  o.VariantID,
		Experiment: o.ExperimentKey,
		OfferID:    o.OfferID,
	}
}

// Blocked builds the 402 body for an offer.
func Blocked(o Offer, tokensUsed, limit int64) BlockedBody {
	return BlockedBody{
		Error:      "quota exceeded",
		TokensUsed: tokensUsed,
		Limit:      limit,
		Paywall:    o.Body(),
		UpgradeURL: o.UpgradeURL,
	}
}
