// Package http provides the HTTP surface of the paywall service.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/artpar/paywall/adapters/metrics"
	"github.com/artpar/paywall/app"
	"github.com/artpar/paywall/domain/conversion"
	"github.com/artpar/paywall/domain/fault"
	"github.com/artpar/paywall/domain/paywall"
	"github.com/artpar/paywall/domain/quota"
	"github.com/artpar/paywall/domain/usage"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	maxBodyBytes    = 1 << 20
	headerStripeSig = "Stripe-Signature"
	headerDummySig  = "X-Paywall-Signature"
)

// -----------------------------------------------------------------------------
// Request and response bodies
// -----------------------------------------------------------------------------

// GateRequest asks whether a metered operation may run.
type GateRequest struct {
	UserID          string `json:"user_id"`
	Feature         string `json:"feature"`
	EstimatedTokens int64  `json:"estimated_tokens"`
	Path            string `json:"path,omitempty"`
	Limit           *int64 `json:"limit,omitempty"`
}

// GateResponse is returned when the operation may proceed.
type GateResponse struct {
	Allowed     bool               `json:"allowed"`
	State       paywall.State      `json:"state"`
	Notice      bool               `json:"notice"`
	Degraded    bool               `json:"degraded,omitempty"`
	TokensUsed  int64              `json:"tokens_used"`
	Limit       int64              `json:"limit"`
	PercentUsed float64            `json:"percent_used"`
	Upsell      *paywall.OfferBody `json:"upsell,omitempty"`
}

// UsageRequest records completed work.
type UsageRequest struct {
	UserID        string     `json:"user_id"`
	ResourceClass string     `json:"resource_class"`
	InputTokens   int64      `json:"input_tokens"`
	OutputTokens  int64      `json:"output_tokens"`
	CostEstimate  float64    `json:"cost_estimate"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// UsageRecorded acknowledges a usage event.
type UsageRecorded struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageResponse is a subject's windowed usage.
type UsageResponse struct {
	UserID       string    `json:"user_id"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	TokensUsed   int64     `json:"tokens_used"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Events       int64     `json:"events"`
	Granted      int64     `json:"granted"`
	CostEstimate float64   `json:"cost_estimate"`
}

// PurchaseRequest is the client's offer purchase.
type PurchaseRequest struct {
	ProductType string          `json:"product_type"`
	Amount      decimal.Decimal `json:"amount"`
	UserID      string          `json:"user_id"`
	VariantID   string          `json:"variant_id,omitempty"`
	Description string          `json:"description,omitempty"`
	OfferID     string          `json:"offer_id,omitempty"`
}

// PurchaseResponse is the purchase contract. Failures carry a
// machine-readable code; a price mismatch also carries both amounts.
// The session id is written under both sessionId and session_id.
type PurchaseResponse struct {
	Success      bool   `json:"success"`
	SessionID    string `json:"sessionId,omitempty"`
	SessionKey   string `json:"session_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	VariantID    string `json:"variant_id,omitempty"`
	Experiment   string `json:"experiment,omitempty"`
	Amount       string `json:"amount,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
	Expected     string `json:"expected,omitempty"`
	Received     string `json:"received,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
}

// OfferOutcomeRequest reports a declined or abandoned offer.
type OfferOutcomeRequest struct {
	UserID      string `json:"user_id"`
	ProductType string `json:"product_type,omitempty"`
	VariantID   string `json:"variant_id,omitempty"`
	OfferID     string `json:"offer_id,omitempty"`
}

// StateResponse reports the flow state reached.
type StateResponse struct {
	State paywall.State `json:"state"`
}

// WebhookResponse acknowledges a payment callback.
type WebhookResponse struct {
	Received  bool   `json:"received"`
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
}

// VariantMetric is one row of an experiment summary.
type VariantMetric struct {
	VariantID         string  `json:"variant_id"`
	Impressions       int64   `json:"impressions"`
	Clicks            int64   `json:"clicks"`
	Conversions       int64   `json:"conversions"`
	Revenue           string  `json:"revenue"`
	ConversionRate    float64 `json:"conversion_rate"`
	ClickThroughRate  float64 `json:"click_through_rate"`
	AverageOrderValue string  `json:"average_order_value"`
}

// SummaryResponse is an experiment summary.
type SummaryResponse struct {
	Experiment string          `json:"experiment"`
	Variants   []VariantMetric `json:"variants"`
}

// BestResponse names the winning variant.
type BestResponse struct {
	Experiment string `json:"experiment"`
	By         string `json:"by"`
	VariantID  string `json:"variant_id"`
}

// AssignmentResponse is a subject's variant in an experiment.
type AssignmentResponse struct {
	UserID      string `json:"user_id"`
	Experiment  string `json:"experiment"`
	ProductType string `json:"product_type"`
	VariantID   string `json:"variant_id"`
	Multiplier  string `json:"multiplier"`
	Price       string `json:"price"`
	Currency    string `json:"currency"`
}

// -----------------------------------------------------------------------------
// Handler
// -----------------------------------------------------------------------------

// Handler serves the paywall API.
type Handler struct {
	gateway *app.Gateway
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// NewHandler creates a new paywall handler.
func NewHandler(gateway *app.Gateway, logger zerolog.Logger) *Handler {
	return &Handler{gateway: gateway, logger: logger}
}

// NewHandlerWithMetrics creates a new paywall handler with metrics.
func NewHandlerWithMetrics(gateway *app.Gateway, logger zerolog.Logger, m *metrics.Collector) *Handler {
	return &Handler{gateway: gateway, logger: logger, metrics: m}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// Gate answers whether the subject may run a metered operation.
// 200 when allowed, 402 with the paywall offer when blocked.
func (h *Handler) Gate(w http.ResponseWriter, r *http.Request) {
	var req GateRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	check := app.CheckRequest{
		SubjectID: req.UserID,
		Feature:   req.Feature,
		Increment: req.EstimatedTokens,
		Limit:     req.Limit,
	}
	if req.Path != "" {
		path, err := quota.ParsePath(req.Path)
		if err != nil {
			writeError(w, h.logger, fault.Invalid("path", err.Error()))
			return
		}
		check.Path = path
	}

	res, err := h.gateway.Check(r.Context(), check)
	if err != nil {
		var unavailable *fault.QuotaUnavailableError
		if h.metrics != nil && errors.As(err, &unavailable) {
			h.metrics.LedgerFailures.WithLabelValues("fail_closed").Inc()
		}
		writeError(w, h.logger, err)
		return
	}
	h.recordDecision(req.Feature, res)

	if !res.Allowed() {
		writeJSON(w, http.StatusPaymentRequired, paywall.Blocked(*res.Offer, res.TokensUsed, res.Decision.Limit))
		return
	}

	resp := GateResponse{
		Allowed:     true,
		State:       res.State,
		Notice:      res.Decision.Outcome >= quota.OutcomeNotice,
		Degraded:    res.Decision.Degraded,
		TokensUsed:  res.TokensUsed,
		Limit:       res.Decision.Limit,
		PercentUsed: res.Decision.PercentUsed,
	}
	if res.Offer != nil {
		body := res.Offer.Body()
		resp.Upsell = &body
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) recordDecision(feature string, res app.CheckResult) {
	if h.metrics == nil {
		return
	}
	if feature == "" {
		feature = "default"
	}
	h.metrics.Decisions.WithLabelValues(feature, res.Decision.Outcome.String()).Inc()
	if res.Decision.Degraded {
		h.metrics.DegradedChecks.Inc()
		h.metrics.LedgerFailures.WithLabelValues("fail_open").Inc()
	}
	if res.State == paywall.StateOfferPresented && res.Offer != nil {
		h.metrics.OffersPresented.WithLabelValues(res.Offer.ExperimentKey, res.Offer.VariantID).Inc()
	}
}

// RecordUsage appends completed work to the ledger.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	e := usage.Event{
		SubjectID:     req.UserID,
		ResourceClass: req.ResourceClass,
		Kind:          usage.KindConsumption,
		Units:         usage.Units{Input: req.InputTokens, Output: req.OutputTokens},
		CostEstimate:  req.CostEstimate,
	}
	if req.Timestamp != nil {
		e.Timestamp = req.Timestamp.UTC()
	}

	recorded, err := h.gateway.RecordUsage(r.Context(), e)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if h.metrics != nil {
		h.metrics.UsageUnits.WithLabelValues(recorded.ResourceClass, "input").Add(float64(recorded.Units.Input))
		h.metrics.UsageUnits.WithLabelValues(recorded.ResourceClass, "output").Add(float64(recorded.Units.Output))
	}
	writeJSON(w, http.StatusCreated, UsageRecorded{ID: recorded.ID, Timestamp: recorded.Timestamp})
}

// SubjectUsage returns a subject's windowed usage. ?window= takes a Go
// duration and defaults to the configured window.
func (h *Handler) SubjectUsage(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")

	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, h.logger, fault.Invalid("window", "window must be a positive duration"))
			return
		}
		window = d
	}

	u, err := h.gateway.Usage(r.Context(), subjectID, window)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{
		UserID:       subjectID,
		WindowStart:  u.WindowStart,
		WindowEnd:    u.WindowEnd,
		TokensUsed:   u.UnitsUsed,
		InputTokens:  u.InputUnits,
		OutputTokens: u.OutputUnits,
		Events:       u.EventCount,
		Granted:      u.GrantedUnits,
		CostEstimate: u.CostEstimate,
	})
}

// Purchase re-validates the amount against the catalog and opens a payment
// session.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, PurchaseResponse{Error: "invalid request body", Code: fault.CodeValidation})
		return
	}

	res, err := h.gateway.Purchase(r.Context(), app.PurchaseRequest{
		SubjectID:   req.UserID,
		ProductType: req.ProductType,
		Amount:      req.Amount,
		VariantID:   req.VariantID,
		OfferID:     req.OfferID,
		Description: req.Description,
	})
	if err != nil {
		h.purchaseFailed(w, req, err)
		return
	}

	if h.metrics != nil {
		h.metrics.Purchases.WithLabelValues(req.ProductType, "created").Inc()
	}
	writeJSON(w, http.StatusOK, PurchaseResponse{
		Success:      true,
		SessionID:    res.SessionID,
		SessionKey:   res.SessionID,
		ClientSecret: res.ClientSecret,
		VariantID:    res.VariantID,
		Experiment:   res.ExperimentKey,
		Amount:       res.Price.Fixed(),
		Currency:     res.Price.Currency,
	})
}

func (h *Handler) purchaseFailed(w http.ResponseWriter, req PurchaseRequest, err error) {
	status, detail := classify(err)
	resp := PurchaseResponse{
		Error:     detail.Message,
		Code:      detail.Code,
		Retryable: detail.Retryable,
	}

	result := "rejected"
	var mismatch *fault.PriceMismatchError
	if errors.As(err, &mismatch) {
		resp.Expected = mismatch.Expected.String()
		resp.Received = mismatch.Received.String()
		result = "price_mismatch"
		if h.metrics != nil {
			h.metrics.PriceMismatches.WithLabelValues(req.ProductType).Inc()
		}
	} else if status >= http.StatusInternalServerError {
		result = "failed"
		if status != http.StatusServiceUnavailable {
			h.logger.Error().Err(err).Str("user_id", req.UserID).Msg("purchase failed")
		}
	}
	if h.metrics != nil {
		h.metrics.Purchases.WithLabelValues(req.ProductType, result).Inc()
	}
	writeJSON(w, status, resp)
}

// Decline records that the subject dismissed the offer.
func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
	h.offerOutcome(w, r, "declined", h.gateway.Decline)
}

// Abandon records that the subject left the offer without acting.
func (h *Handler) Abandon(w http.ResponseWriter, r *http.Request) {
	h.offerOutcome(w, r, "abandoned", h.gateway.Abandon)
}

func (h *Handler) offerOutcome(w http.ResponseWriter, r *http.Request, label string, fn func(context.Context, app.OfferOutcome) (paywall.State, error)) {
	var req OfferOutcomeRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	state, err := fn(r.Context(), app.OfferOutcome{
		SubjectID:   req.UserID,
		ProductType: req.ProductType,
		VariantID:   req.VariantID,
		OfferID:     req.OfferID,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if h.metrics != nil {
		h.metrics.OfferOutcomes.WithLabelValues(label).Inc()
	}
	writeJSON(w, http.StatusOK, StateResponse{State: state})
}

// PaymentWebhook verifies and applies a payment provider callback.
// Only a verified signature is trusted; anything else is rejected with 400.
// Server-side failures answer 5xx so the provider redelivers.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "failed to read request body")
		return
	}

	signature := r.Header.Get(headerStripeSig)
	if signature == "" {
		signature = r.Header.Get(headerDummySig)
	}

	res, err := h.gateway.Confirm(r.Context(), payload, signature)
	if err != nil {
		h.recordConfirmation("rejected")
		writeError(w, h.logger, err)
		return
	}

	switch {
	case res.Ignored:
		h.recordConfirmation("ignored")
	case res.Duplicate:
		h.recordConfirmation("duplicate")
	default:
		h.recordConfirmation("applied")
		if h.metrics != nil {
			h.metrics.Revenue.WithLabelValues(res.Amount.Currency).Add(res.Amount.Float())
		}
	}

	writeJSON(w, http.StatusOK, WebhookResponse{
		Received:  true,
		ID:        res.ConfirmationID,
		Duplicate: res.Duplicate,
		Ignored:   res.Ignored,
	})
}

func (h *Handler) recordConfirmation(result string) {
	if h.metrics != nil {
		h.metrics.Confirmations.WithLabelValues(result).Inc()
	}
}

// ExperimentSummary returns per-variant funnel metrics.
func (h *Handler) ExperimentSummary(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	rows, err := h.gateway.Summary(r.Context(), key)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := SummaryResponse{Experiment: key, Variants: make([]VariantMetric, 0, len(rows))}
	for _, m := range rows {
		resp.Variants = append(resp.Variants, VariantMetric{
			VariantID:         m.VariantID,
			Impressions:       m.Impressions,
			Clicks:            m.Clicks,
			Conversions:       m.Conversions,
			Revenue:           m.Revenue.StringFixed(2),
			ConversionRate:    m.ConversionRate,
			ClickThroughRate:  m.ClickThroughRate,
			AverageOrderValue: m.AverageOrderValue.StringFixed(2),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// BestVariant returns the winning variant. ?by= is revenue (default) or
// conversion_rate.
func (h *Handler) BestVariant(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	by := conversion.ByRevenue
	if raw := r.URL.Query().Get("by"); raw != "" {
		parsed, err := conversion.ParseObjective(raw)
		if err != nil {
			writeError(w, h.logger, fault.Invalid("by", err.Error()))
			return
		}
		by = parsed
	}

	id, err := h.gateway.BestVariant(r.Context(), key, by)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, BestResponse{Experiment: key, By: string(by), VariantID: id})
}

// Assignment returns the subject's variant and price.
func (h *Handler) Assignment(w http.ResponseWriter, r *http.Request) {
	a, err := h.gateway.Assign(chi.URLParam(r, "subjectID"), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, AssignmentResponse{
		UserID:      a.SubjectID,
		Experiment:  a.ExperimentKey,
		ProductType: a.ProductType,
		VariantID:   a.Variant.ID,
		Multiplier:  a.Variant.Multiplier.String(),
		Price:       a.Price.Fixed(),
		Currency:    a.Price.Currency,
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	store HealthChecker
}

// NewHealthHandler creates a new health handler. store may be nil.
func NewHealthHandler(store HealthChecker) *HealthHandler {
	return &HealthHandler{store: store}
}

// Liveness returns a simple liveness check.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness checks that the ledger store is reachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
