package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/artpar/paywall/domain/conversion"
	"github.com/artpar/paywall/domain/experiment"
	"github.com/artpar/paywall/domain/fault"
	"github.com/artpar/paywall/domain/paywall"
	"github.com/artpar/paywall/domain/pricing"
	"github.com/artpar/paywall/domain/quota"
	"github.com/artpar/paywall/domain/usage"
	"github.com/artpar/paywall/ports"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FeaturePolicy configures one metered feature.
type FeaturePolicy struct {
	Path    quota.Path // read fails open, spend fails closed
	Product string     // product offered when blocked; empty uses the default
}

// Policy is the quota side of the live configuration.
type Policy struct {
	Limit          int64
	Window         time.Duration
	DefaultProduct string
	UpgradeURL     string
	Features       map[string]FeaturePolicy
	AllowOverrides bool          // callers may raise the limit or pick the read path
	MaxSkew        time.Duration // bound on recorded usage timestamps; <= 0 disables
}

// resolve applies the request's path and limit overrides. Without
// AllowOverrides only overrides that tighten the quota are accepted.
func (p Policy) resolve(f FeaturePolicy, req CheckRequest) (quota.Path, int64, error) {
	path, limit := f.Path, p.Limit
	if req.Path != "" {
		if !p.AllowOverrides && req.Path != quota.PathSpend && req.Path != f.Path {
			return "", 0, fault.Invalid("path", "path override is disabled")
		}
		path = req.Path
	}
	if req.Limit != nil {
		if !p.AllowOverrides && !tightens(*req.Limit, p.Limit) {
			return "", 0, fault.Invalid("limit", fmt.Sprintf("limit override may not exceed %d", p.Limit))
		}
		limit = *req.Limit
	}
	return path, limit, nil
}

func tightens(limit, configured int64) bool {
	if configured < 0 {
		return true
	}
	return limit >= 0 && limit <= configured
}

func (p Policy) feature(name string) FeaturePolicy {
	f := p.Features[name]
	if f.Path == "" {
		f.Path = quota.PathSpend
	}
	if f.Product == "" {
		f.Product = p.DefaultProduct
	}
	return f
}

// snapshot is swapped as a whole on reload so a request never sees a catalog
// from one version and a policy from another.
type snapshot struct {
	catalog *pricing.Catalog
	policy  Policy
}

// -----------------------------------------------------------------------------
// Requests and results
// -----------------------------------------------------------------------------

// CheckRequest asks whether a metered operation may run.
type CheckRequest struct {
	SubjectID string
	Feature   string
	Increment int64
	Path      quota.Path // overrides the feature's path when set
	Limit     *int64     // overrides the policy limit when set (e.g. plan tiers)
}

// CheckResult is the gateway's answer.
type CheckResult struct {
	Decision   quota.Decision
	State      paywall.State
	TokensUsed int64          // usage before the pending operation
	Offer      *paywall.Offer // set when blocked, or as an upsell when warned
}

// Allowed reports whether the operation may proceed.
func (r CheckResult) Allowed() bool {
	return r.Decision.Allowed()
}

// Work describes what a metered operation consumed.
type Work struct {
	ResourceClass string
	Units         usage.Units
	CostEstimate  float64
}

// PurchaseRequest is a client's request to buy a paywall product.
type PurchaseRequest struct {
	SubjectID   string
	ProductType string
	Amount      decimal.Decimal
	VariantID   string // empty uses the subject's assignment
	OfferID     string
	Description string
}

// PurchaseResult carries the provider session for the client to complete.
type PurchaseResult struct {
	SessionID     string
	ClientSecret  string
	ExperimentKey string
	VariantID     string
	Price         pricing.Money
}

// ConfirmResult reports how a payment callback was handled.
type ConfirmResult struct {
	ConfirmationID string
	ProductType    string
	Amount         pricing.Money
	State          paywall.State
	Duplicate      bool
	Ignored        bool // verified but not a successful payment
}

// OfferOutcome identifies an offer the client declined or abandoned.
type OfferOutcome struct {
	SubjectID   string
	ProductType string
	VariantID   string // empty uses the subject's assignment
	OfferID     string
}

// Assignment is a subject's variant and price in one experiment.
type Assignment struct {
	SubjectID     string
	ExperimentKey string
	ProductType   string
	Variant       experiment.Variant
	Price         pricing.Money
}

// -----------------------------------------------------------------------------
// Gateway
// -----------------------------------------------------------------------------

// Gateway orchestrates the enforcer, the assigner, the catalog and the
// ledgers into the single proceed-or-offer decision a feature needs.
type Gateway struct {
	enforcer    *QuotaEnforcer
	ledger      *UsageLedger
	conversions *ConversionLedger
	payments    ports.PaymentProvider
	clock       ports.Clock
	idGen       ports.IDGenerator
	logger      zerolog.Logger

	current atomic.Pointer[snapshot]
}

// GatewayDeps groups the gateway's collaborators.
type GatewayDeps struct {
	Enforcer    *QuotaEnforcer
	Ledger      *UsageLedger
	Conversions *ConversionLedger
	Payments    ports.PaymentProvider // nil disables purchases
	Clock       ports.Clock
	IDGen       ports.IDGenerator
	Logger      zerolog.Logger
}

// NewGateway creates a gateway serving the given catalog and policy.
func NewGateway(deps GatewayDeps, catalog *pricing.Catalog, policy Policy) (*Gateway, error) {
	g := &Gateway{
		enforcer:    deps.Enforcer,
		ledger:      deps.Ledger,
		conversions: deps.Conversions,
		payments:    deps.Payments,
		clock:       deps.Clock,
		idGen:       deps.IDGen,
		logger:      deps.Logger,
	}
	if err := g.Update(catalog, policy); err != nil {
		return nil, err
	}
	return g, nil
}

// Update atomically replaces the catalog and policy. An inconsistent pair is
// rejected and the previous one stays live.
func (g *Gateway) Update(catalog *pricing.Catalog, policy Policy) error {
	if catalog == nil {
		return &fault.ConfigError{Subject: "catalog", Reason: "catalog is required"}
	}
	products := []string{policy.DefaultProduct}
	for name, f := range policy.Features {
		if _, err := quota.ParsePath(string(f.Path)); err != nil {
			return &fault.ConfigError{Subject: "feature " + name, Reason: err.Error()}
		}
		products = append(products, f.Product)
	}
	for _, p := range products {
		if p == "" {
			continue
		}
		if _, ok := catalog.Product(p); !ok {
			return &fault.ConfigError{Subject: "policy", Reason: fmt.Sprintf("product %q is not in the catalog", p)}
		}
	}
	if policy.DefaultProduct == "" {
		return &fault.ConfigError{Subject: "policy", Reason: "default product is required"}
	}

	g.current.Store(&snapshot{catalog: catalog, policy: policy})
	return nil
}

// Catalog returns the live catalog.
func (g *Gateway) Catalog() *pricing.Catalog {
	return g.current.Load().catalog
}

// Policy returns the live policy.
func (g *Gateway) Policy() Policy {
	return g.current.Load().policy
}

// Multiplier resolves a multiplier against the live catalog.
func (g *Gateway) Multiplier(experimentKey, variantID string) (decimal.Decimal, bool) {
	return g.Catalog().Multiplier(experimentKey, variantID)
}

// Check evaluates the subject's quota and, when blocked, presents an offer.
func (g *Gateway) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	snap := g.current.Load()
	feature := snap.policy.feature(req.Feature)
	path, limit, err := snap.policy.resolve(feature, req)
	if err != nil {
		return CheckResult{}, err
	}

	flow := paywall.NewFlow()
	if err := flow.To(paywall.StateChecking); err != nil {
		return CheckResult{}, err
	}

	decision, used, err := g.enforcer.Evaluate(ctx, EvaluateRequest{
		SubjectID: req.SubjectID,
		Limit:     limit,
		Window:    snap.policy.Window,
		Increment: req.Increment,
		Path:      path,
	})
	if err != nil {
		return CheckResult{}, err
	}

	result := CheckResult{Decision: decision}
	if !decision.Degraded && decision.Limit != quota.Unlimited {
		result.TokensUsed = used.UnitsUsed
	}

	switch decision.Outcome {
	case quota.OutcomeBlock:
		if err := flow.To(paywall.StateBlocked); err != nil {
			return CheckResult{}, err
		}
		offer, err := g.buildOffer(snap, req.SubjectID, feature.Product)
		if err != nil {
			return CheckResult{}, err
		}
		if err := g.conversions.RecordEvent(ctx, offer.ExperimentKey, offer.VariantID, conversion.KindImpression, decimal.Zero); err != nil {
			g.logger.Error().Err(err).
				Str("subject_id", req.SubjectID).
				Str("variant_id", offer.VariantID).
				Msg("failed to record impression")
		}
		if err := flow.To(paywall.StateOfferPresented); err != nil {
			return CheckResult{}, err
		}
		result.Offer = &offer

		g.logger.Info().
			Str("subject_id", req.SubjectID).
			Str("feature", req.Feature).
			Str("offer_id", offer.OfferID).
			Str("variant_id", offer.VariantID).
			Str("price", offer.Price.String()).
			Msg("paywall offer presented")

	case quota.OutcomeWarn:
		if err := flow.To(paywall.StateWarned); err != nil {
			return CheckResult{}, err
		}
		offer, err := g.buildOffer(snap, req.SubjectID, feature.Product)
		if err != nil {
			g.logger.Error().Err(err).Str("subject_id", req.SubjectID).Msg("failed to build upsell offer")
		} else {
			result.Offer = &offer
		}

	default:
		if err := flow.To(paywall.StateAllowed); err != nil {
			return CheckResult{}, err
		}
	}

	result.State = flow.State()
	return result, nil
}

func (g *Gateway) buildOffer(snap *snapshot, subjectID, productType string) (paywall.Offer, error) {
	product, ok := snap.catalog.Product(productType)
	if !ok {
		return paywall.Offer{}, &fault.ConfigError{Subject: "policy", Reason: fmt.Sprintf("product %q is not in the catalog", productType)}
	}
	exp, _ := snap.catalog.Experiment(productType)
	variant, err := exp.Assign(subjectID)
	if err != nil {
		return paywall.Offer{}, fmt.Errorf("assign variant: %w", err)
	}
	price, err := snap.catalog.PriceFor(productType, variant)
	if err != nil {
		return paywall.Offer{}, err
	}
	return paywall.Offer{
		OfferID:       g.idGen.New(),
		ProductType:   product.Type,
		ExperimentKey: exp.Key,
		VariantID:     variant.ID,
		Price:         price,
		Message:       product.Message,
		UpgradeURL:    snap.policy.UpgradeURL,
	}, nil
}

// Meter checks the quota, runs op only when allowed, and records the work op
// reports only when it succeeds and the context is still live. A failed or
// cancelled operation never consumes quota.
func (g *Gateway) Meter(ctx context.Context, req CheckRequest, op func(context.Context) (Work, error)) (CheckResult, error) {
	result, err := g.Check(ctx, req)
	if err != nil || !result.Allowed() {
		return result, err
	}

	work, err := op(ctx)
	if err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	_, err = g.ledger.RecordUsage(ctx, usage.Event{
		SubjectID:     req.SubjectID,
		ResourceClass: work.ResourceClass,
		Kind:          usage.KindConsumption,
		Units:         work.Units,
		CostEstimate:  work.CostEstimate,
	})
	return result, err
}

// resolveVariant returns the requested variant or the subject's assignment.
func (g *Gateway) resolveVariant(catalog *pricing.Catalog, subjectID, productType, variantID string) (pricing.Money, experiment.Experiment, experiment.Variant, error) {
	exp, ok := catalog.Experiment(productType)
	if !ok {
		return pricing.Money{}, experiment.Experiment{}, experiment.Variant{}, &fault.ValidationError{
			Code:    fault.CodeInvalidProductType,
			Field:   "product_type",
			Message: fmt.Sprintf("unknown product type %q", productType),
		}
	}
	if variantID == "" {
		v, err := exp.Assign(subjectID)
		if err != nil {
			return pricing.Money{}, exp, experiment.Variant{}, err
		}
		variantID = v.ID
	}
	price, v, err := catalog.PriceForVariant(productType, variantID)
	return price, exp, v, err
}

// Purchase validates the client's amount against the catalog and opens a
// payment session. The amount is never corrected: a mismatch is rejected.
func (g *Gateway) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	if req.SubjectID == "" {
		return PurchaseResult{}, &fault.ValidationError{Code: fault.CodeMissingUserID, Field: "user_id", Message: "user id is required"}
	}
	catalog := g.Catalog()
	if _, ok := catalog.Product(req.ProductType); !ok {
		return PurchaseResult{}, &fault.ValidationError{
			Code:    fault.CodeInvalidProductType,
			Field:   "product_type",
			Message: fmt.Sprintf("unknown product type %q", req.ProductType),
		}
	}
	if !req.Amount.IsPositive() {
		return PurchaseResult{}, &fault.ValidationError{Code: fault.CodeInvalidAmount, Field: "amount", Message: "amount must be positive"}
	}

	expected, exp, variant, err := g.resolveVariant(catalog, req.SubjectID, req.ProductType, req.VariantID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if !expected.Amount.Equal(req.Amount) {
		g.logger.Warn().
			Str("subject_id", req.SubjectID).
			Str("product_type", req.ProductType).
			Str("variant_id", variant.ID).
			Str("expected", expected.Amount.String()).
			Str("received", req.Amount.String()).
			Msg("price mismatch on purchase")
		return PurchaseResult{}, &fault.PriceMismatchError{
			ProductType: req.ProductType,
			VariantID:   variant.ID,
			Expected:    expected.Amount,
			Received:    req.Amount,
		}
	}

	if g.payments == nil {
		return PurchaseResult{}, fault.ErrPaymentsDisabled
	}
	session, err := g.payments.CreatePayment(ctx, ports.PaymentRequest{
		SubjectID:     req.SubjectID,
		ProductType:   req.ProductType,
		ExperimentKey: exp.Key,
		VariantID:     variant.ID,
		OfferID:       req.OfferID,
		Description:   req.Description,
		Amount:        expected,
	})
	if err != nil {
		var provErr *fault.PaymentProviderError
		if !errors.Is(err, fault.ErrPaymentsDisabled) && !errors.As(err, &provErr) {
			err = &fault.PaymentProviderError{Provider: g.payments.Name(), Err: err}
		}
		g.logger.Error().Err(err).
			Str("subject_id", req.SubjectID).
			Str("product_type", req.ProductType).
			Msg("failed to create payment")
		return PurchaseResult{}, err
	}

	if err := g.conversions.RecordEvent(ctx, exp.Key, variant.ID, conversion.KindClick, decimal.Zero); err != nil {
		g.logger.Error().Err(err).Str("variant_id", variant.ID).Msg("failed to record click")
	}

	g.logger.Info().
		Str("subject_id", req.SubjectID).
		Str("session_id", session.ID).
		Str("variant_id", variant.ID).
		Str("amount", expected.String()).
		Msg("payment session created")

	return PurchaseResult{
		SessionID:     session.ID,
		ClientSecret:  session.ClientSecret,
		ExperimentKey: exp.Key,
		VariantID:     variant.ID,
		Price:         expected,
	}, nil
}

// Confirm handles a signed payment callback. Each confirmation id is applied
// at most once: the product's reset or grant is appended to the usage ledger
// and a conversion is counted for the variant.
func (g *Gateway) Confirm(ctx context.Context, payload []byte, signature string) (ConfirmResult, error) {
	if g.payments == nil {
		return ConfirmResult{}, fault.ErrPaymentsDisabled
	}
	conf, err := g.payments.ParseConfirmation(payload, signature)
	if err != nil {
		if errors.Is(err, fault.ErrSignatureInvalid) {
			g.logger.Warn().Err(err).Str("provider", g.payments.Name()).Msg("rejected payment callback")
		}
		return ConfirmResult{}, err
	}
	if !conf.Succeeded {
		g.logger.Info().Str("confirmation_id", conf.ID).Msg("ignoring non-success payment callback")
		return ConfirmResult{ConfirmationID: conf.ID, Ignored: true}, nil
	}
	if conf.SubjectID == "" {
		return ConfirmResult{}, &fault.ValidationError{Code: fault.CodeMissingUserID, Field: "subject_id", Message: "confirmation has no subject"}
	}

	catalog := g.Catalog()
	product, ok := catalog.Product(conf.ProductType)
	if !ok {
		return ConfirmResult{}, &fault.ValidationError{
			Code:    fault.CodeInvalidProductType,
			Field:   "product_type",
			Message: fmt.Sprintf("unknown product type %q", conf.ProductType),
		}
	}
	experimentKey := conf.ExperimentKey
	if experimentKey == "" {
		exp, _ := catalog.Experiment(conf.ProductType)
		experimentKey = exp.Key
	}

	// The flow moves before any effect is applied; an illegal move leaves the
	// ledger untouched.
	flow := paywall.Resume(paywall.StateOfferPresented)
	if err := flow.To(paywall.StatePurchased); err != nil {
		return ConfirmResult{}, err
	}

	applied, err := g.conversions.ProcessOnce(ctx, conf.ID, func(ctx context.Context) error {
		effect := g.effectEvent(product, conf)
		if _, err := g.ledger.RecordUsage(ctx, effect); err != nil {
			return err
		}
		// The quota effect is in place; a lost counter must not trigger a
		// redelivery that would apply it twice.
		if err := g.conversions.RecordEvent(ctx, experimentKey, conf.VariantID, conversion.KindConversion, conf.Amount.Amount); err != nil {
			g.logger.Error().Err(err).
				Str("confirmation_id", conf.ID).
				Str("variant_id", conf.VariantID).
				Msg("failed to record conversion")
		}
		return nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}

	result := ConfirmResult{
		ConfirmationID: conf.ID,
		ProductType:    product.Type,
		Amount:         conf.Amount,
		State:          flow.State(),
		Duplicate:      !applied,
	}
	if !applied {
		return result, nil
	}

	g.logger.Info().
		Str("confirmation_id", conf.ID).
		Str("subject_id", conf.SubjectID).
		Str("product_type", product.Type).
		Str("effect", string(product.Effect)).
		Str("variant_id", conf.VariantID).
		Str("offer_id", conf.OfferID).
		Msg("purchase confirmed")

	return result, nil
}

// effectEvent leaves the id empty so the ledger assigns an event id.
func (g *Gateway) effectEvent(product pricing.Product, conf ports.PaymentConfirmation) usage.Event {
	now := g.clock.Now()
	if product.Effect == pricing.EffectGrant {
		return usage.NewGrant("", conf.SubjectID, conf.ID, product.GrantUnits, now)
	}
	return usage.NewReset("", conf.SubjectID, conf.ID, now)
}

// Decline records that the subject dismissed an offer. It counts as a click
// (the subject engaged) and never as a conversion.
func (g *Gateway) Decline(ctx context.Context, o OfferOutcome) (paywall.State, error) {
	if o.SubjectID == "" {
		return "", &fault.ValidationError{Code: fault.CodeMissingUserID, Field: "user_id", Message: "user id is required"}
	}
	_, exp, variant, err := g.resolveVariant(g.Catalog(), o.SubjectID, g.productOrDefault(o.ProductType), o.VariantID)
	if err != nil {
		return "", err
	}

	flow := paywall.Resume(paywall.StateOfferPresented)
	if err := flow.To(paywall.StateDeclined); err != nil {
		return "", err
	}
	if err := g.conversions.RecordEvent(ctx, exp.Key, variant.ID, conversion.KindClick, decimal.Zero); err != nil {
		return "", err
	}

	g.logger.Info().Str("subject_id", o.SubjectID).Str("offer_id", o.OfferID).Str("variant_id", variant.ID).Msg("offer declined")
	return flow.State(), nil
}

// Abandon records that the subject left without acting. The impression was
// already counted when the offer was presented, so no counter changes.
func (g *Gateway) Abandon(ctx context.Context, o OfferOutcome) (paywall.State, error) {
	if o.SubjectID == "" {
		return "", &fault.ValidationError{Code: fault.CodeMissingUserID, Field: "user_id", Message: "user id is required"}
	}
	flow := paywall.Resume(paywall.StateOfferPresented)
	if err := flow.To(paywall.StateAbandoned); err != nil {
		return "", err
	}
	g.logger.Info().Str("subject_id", o.SubjectID).Str("offer_id", o.OfferID).Msg("offer abandoned")
	return flow.State(), nil
}

func (g *Gateway) productOrDefault(productType string) string {
	if productType == "" {
		return g.Policy().DefaultProduct
	}
	return productType
}

// Assign returns the subject's variant and price in the experiment.
func (g *Gateway) Assign(subjectID, experimentKey string) (Assignment, error) {
	if subjectID == "" {
		return Assignment{}, &fault.ValidationError{Code: fault.CodeMissingUserID, Field: "subject_id", Message: "subject id is required"}
	}
	catalog := g.Catalog()
	exp, ok := catalog.ExperimentByKey(experimentKey)
	if !ok {
		return Assignment{}, fmt.Errorf("experiment %s: %w", experimentKey, fault.ErrNotFound)
	}
	v, err := exp.Assign(subjectID)
	if err != nil {
		return Assignment{}, err
	}
	price, err := catalog.PriceFor(exp.ProductType, v)
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{
		SubjectID:     subjectID,
		ExperimentKey: exp.Key,
		ProductType:   exp.ProductType,
		Variant:       v,
		Price:         price,
	}, nil
}

// Usage returns the subject's windowed usage under the live policy.
func (g *Gateway) Usage(ctx context.Context, subjectID string, window time.Duration) (usage.Usage, error) {
	if window <= 0 {
		window = g.Policy().Window
	}
	return g.ledger.WindowedUsage(ctx, subjectID, window)
}

// RecordUsage appends completed work for callers that meter outside Meter.
// A caller-supplied timestamp must lie within the policy's MaxSkew of now.
func (g *Gateway) RecordUsage(ctx context.Context, e usage.Event) (usage.Event, error) {
	if skew := g.Policy().MaxSkew; skew > 0 && !e.Timestamp.IsZero() {
		now := g.clock.Now()
		if e.Timestamp.Before(now.Add(-skew)) || e.Timestamp.After(now.Add(skew)) {
			return usage.Event{}, fault.Invalid("timestamp", fmt.Sprintf("timestamp must be within %s of server time", skew))
		}
	}
	return g.ledger.RecordUsage(ctx, e)
}

// Summary returns the experiment's per-variant metrics.
func (g *Gateway) Summary(ctx context.Context, experimentKey string) ([]conversion.Metric, error) {
	if _, ok := g.Catalog().ExperimentByKey(experimentKey); !ok {
		return nil, fmt.Errorf("experiment %s: %w", experimentKey, fault.ErrNotFound)
	}
	return g.conversions.Summarize(ctx, experimentKey)
}

// BestVariant returns the winning variant under the objective.
func (g *Gateway) BestVariant(ctx context.Context, experimentKey string, by conversion.Objective) (string, error) {
	if _, ok := g.Catalog().ExperimentByKey(experimentKey); !ok {
		return "", fmt.Errorf("experiment %s: %w", experimentKey, fault.ErrNotFound)
	}
	return g.conversions.BestVariant(ctx, experimentKey, by)
}
