package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/paywall/adapters/clock"
	"github.com/artpar/paywall/adapters/idgen"
	"github.com/artpar/paywall/adapters/memory"
	"github.com/artpar/paywall/adapters/payment"
	"github.com/artpar/paywall/app"
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

// -----------------------------------------------------------------------------
// Test fixtures
// -----------------------------------------------------------------------------

var epoch = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testCatalog(t *testing.T) *pricing.Catalog {
	t.Helper()
	c, err := pricing.New(
		[]pricing.Product{
			{Type: "token_limit", BasePrice: d("2.00"), Currency: "USD", Message: "Daily limit reached", Effect: pricing.EffectReset},
			{Type: "token_pack", BasePrice: d("5.00"), Currency: "USD", Message: "Need more?", Effect: pricing.EffectGrant, GrantUnits: 500},
		},
		[]experiment.Experiment{
			{
				Key:         "token_limit",
				ProductType: "token_limit",
				Variants: []experiment.Variant{
					{ID: "control", Multiplier: d("1.0")},
					{ID: "discount", Multiplier: d("0.75")},
					{ID: "premium", Multiplier: d("1.2")},
				},
			},
			{
				Key:         "token_pack",
				ProductType: "token_pack",
				Variants:    []experiment.Variant{{ID: "control", Multiplier: d("1.0")}},
			},
		},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

func testPolicy() app.Policy {
	return app.Policy{
		Limit:          1000,
		Window:         24 * time.Hour,
		DefaultProduct: "token_limit",
		UpgradeURL:     "/upgrade",
		Features: map[string]app.FeaturePolicy{
			"chat":    {Path: quota.PathSpend},
			"history": {Path: quota.PathRead},
			"batch":   {Path: quota.PathSpend, Product: "token_pack"},
		},
	}
}

// failingUsageStore simulates an unavailable ledger backend.
type failingUsageStore struct{ err error }

func (s failingUsageStore) Append(ctx context.Context, e usage.Event) error { return s.err }
func (s failingUsageStore) Aggregate(ctx context.Context, subjectID string, end time.Time, size time.Duration) (usage.Usage, error) {
	return usage.Usage{}, s.err
}
func (s failingUsageStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	return 0, s.err
}

// flakyUsageStore fails the next Append once.
type flakyUsageStore struct {
	*memory.UsageStore
	failNext bool
}

func (s *flakyUsageStore) Append(ctx context.Context, e usage.Event) error {
	if s.failNext {
		s.failNext = false
		return errors.New("disk full")
	}
	return s.UsageStore.Append(ctx, e)
}

type harness struct {
	clock       *clock.Fake
	usage       *memory.UsageStore
	counters    *memory.ConversionStore
	provider    *payment.DummyProvider
	ledger      *app.UsageLedger
	conversions *app.ConversionLedger
	gateway     *app.Gateway
}

type harnessOption func(*app.GatewayDeps, *harness)

func withUsageStore(store ports.UsageStore) harnessOption {
	return func(deps *app.GatewayDeps, h *harness) {
		h.ledger = app.NewUsageLedger(store, h.clock, idgen.NewSequential("evt-"), zerolog.Nop())
		deps.Ledger = h.ledger
		deps.Enforcer = app.NewQuotaEnforcer(h.ledger, zerolog.Nop())
	}
}

func withoutPayments() harnessOption {
	return func(deps *app.GatewayDeps, h *harness) {
		deps.Payments = nil
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.NewFake(epoch),
		usage:    memory.NewUsageStore(),
		counters: memory.NewConversionStore(),
		provider: payment.NewDummyProvider("test-secret"),
	}
	t.Cleanup(h.usage.Stop)

	h.ledger = app.NewUsageLedger(h.usage, h.clock, idgen.NewSequential("evt-"), zerolog.Nop())

	var g *app.Gateway
	h.conversions = app.NewConversionLedger(
		h.counters,
		memory.NewConfirmationStore(),
		func(key, variant string) (decimal.Decimal, bool) { return g.Multiplier(key, variant) },
		zerolog.Nop(),
	)

	deps := app.GatewayDeps{
		Enforcer:    app.NewQuotaEnforcer(h.ledger, zerolog.Nop()),
		Ledger:      h.ledger,
		Conversions: h.conversions,
		Payments:    h.provider,
		Clock:       h.clock,
		IDGen:       idgen.NewSequential("offer-"),
		Logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&deps, h)
	}

	var err error
	g, err = app.NewGateway(deps, testCatalog(t), testPolicy())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	h.gateway = g
	return h
}

func (h *harness) consume(t *testing.T, subject string, units int64) {
	t.Helper()
	_, err := h.ledger.RecordUsage(context.Background(), usage.Event{
		SubjectID:     subject,
		ResourceClass: "gpt-4o",
		Units:         usage.Units{Input: units},
	})
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
}

func (h *harness) counter(t *testing.T, key, variant string) conversion.Counters {
	t.Helper()
	rows, err := h.counters.List(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.VariantID == variant {
			return r
		}
	}
	return conversion.Counters{}
}

// -----------------------------------------------------------------------------
// UsageLedger
// -----------------------------------------------------------------------------

func TestUsageLedger_RecordUsageFillsDefaults(t *testing.T) {
	h := newHarness(t)

	e, err := h.ledger.RecordUsage(context.Background(), usage.Event{SubjectID: "alice", Units: usage.Units{Input: 10, Output: 5}})
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if e.ID == "" {
		t.Error("expected generated id")
	}
	if !e.Timestamp.Equal(epoch) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, epoch)
	}
	if e.Kind != usage.KindConsumption {
		t.Errorf("Kind = %s, want consumption", e.Kind)
	}

	u, err := h.ledger.WindowedUsage(context.Background(), "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if u.UnitsUsed != 15 || u.EventCount != 1 {
		t.Errorf("usage = %+v", u)
	}
}

func TestUsageLedger_WindowExcludesOldEvents(t *testing.T) {
	h := newHarness(t)
	h.consume(t, "alice", 600)

	h.clock.Advance(25 * time.Hour)
	h.consume(t, "alice", 100)

	u, err := h.ledger.WindowedUsage(context.Background(), "alice", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if u.UnitsUsed != 100 {
		t.Errorf("UnitsUsed = %d, want 100", u.UnitsUsed)
	}
}

func TestUsageLedger_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var verr *fault.ValidationError
	if _, err := h.ledger.WindowedUsage(ctx, "", time.Hour); !errors.As(err, &verr) || verr.Code != fault.CodeMissingUserID {
		t.Errorf("empty subject err = %v", err)
	}
	if _, err := h.ledger.RecordUsage(ctx, usage.Event{SubjectID: "alice", Units: usage.Units{Input: -1}}); err == nil {
		t.Error("expected error for negative units")
	}
}

func TestUsageLedger_Prune(t *testing.T) {
	h := newHarness(t)
	h.consume(t, "alice", 1)
	h.clock.Advance(72 * time.Hour)
	h.consume(t, "alice", 2)

	n, err := h.ledger.Prune(context.Background(), 48*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
}

// -----------------------------------------------------------------------------
// QuotaEnforcer
// -----------------------------------------------------------------------------

func TestQuotaEnforcer_Thresholds(t *testing.T) {
	tests := []struct {
		name      string
		used      int64
		increment int64
		want      quota.Outcome
	}{
		{"fresh subject", 0, 100, quota.OutcomeAllow},
		{"notice at 70%", 600, 100, quota.OutcomeNotice},
		{"warn at 85%", 800, 50, quota.OutcomeWarn},
		{"projected over limit", 900, 200, quota.OutcomeBlock},
		{"exactly at limit", 1000, 0, quota.OutcomeBlock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.used > 0 {
				h.consume(t, "alice", tt.used)
			}
			enforcer := app.NewQuotaEnforcer(h.ledger, zerolog.Nop())

			dec, _, err := enforcer.Evaluate(context.Background(), app.EvaluateRequest{
				SubjectID: "alice",
				Limit:     1000,
				Increment: tt.increment,
				Path:      quota.PathSpend,
			})
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if dec.Outcome != tt.want {
				t.Errorf("Outcome = %s, want %s", dec.Outcome, tt.want)
			}
		})
	}
}

func TestQuotaEnforcer_Unlimited(t *testing.T) {
	enforcer := app.NewQuotaEnforcer(
		app.NewUsageLedger(failingUsageStore{errors.New("down")}, clock.NewFake(epoch), idgen.NewSequential(""), zerolog.Nop()),
		zerolog.Nop(),
	)

	dec, _, err := enforcer.Evaluate(context.Background(), app.EvaluateRequest{SubjectID: "alice", Limit: quota.Unlimited, Increment: 1 << 40})
	if err != nil {
		t.Fatalf("unlimited must not read the ledger: %v", err)
	}
	if !dec.Allowed() {
		t.Error("unlimited subject must be allowed")
	}
}

func TestQuotaEnforcer_LedgerUnavailable(t *testing.T) {
	boom := errors.New("connection refused")
	ledger := app.NewUsageLedger(failingUsageStore{boom}, clock.NewFake(epoch), idgen.NewSequential(""), zerolog.Nop())
	enforcer := app.NewQuotaEnforcer(ledger, zerolog.Nop())
	ctx := context.Background()

	t.Run("read path fails open", func(t *testing.T) {
		dec, _, err := enforcer.Evaluate(ctx, app.EvaluateRequest{SubjectID: "alice", Limit: 1000, Increment: 10, Path: quota.PathRead})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !dec.Allowed() || !dec.Degraded {
			t.Errorf("decision = %+v, want degraded allow", dec)
		}
	})

	t.Run("spend path fails closed", func(t *testing.T) {
		_, _, err := enforcer.Evaluate(ctx, app.EvaluateRequest{SubjectID: "alice", Limit: 1000, Increment: 10, Path: quota.PathSpend})
		var qerr *fault.QuotaUnavailableError
		if !errors.As(err, &qerr) {
			t.Fatalf("expected QuotaUnavailableError, got %v", err)
		}
		if !errors.Is(err, boom) {
			t.Error("cause should be wrapped")
		}
	})
}

func TestQuotaEnforcer_GrantRaisesLimit(t *testing.T) {
	h := newHarness(t)
	h.consume(t, "alice", 1000)
	if _, err := h.ledger.RecordUsage(context.Background(), usage.NewGrant("", "alice", "pi_1", 500, time.Time{})); err != nil {
		t.Fatal(err)
	}

	dec, _, err := app.NewQuotaEnforcer(h.ledger, zerolog.Nop()).Evaluate(context.Background(), app.EvaluateRequest{
		SubjectID: "alice", Limit: 1000, Increment: 100, Path: quota.PathSpend,
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Limit != 1500 || !dec.Allowed() {
		t.Errorf("decision = %+v, want allowed against 1500", dec)
	}
}

// -----------------------------------------------------------------------------
// ConversionLedger
// -----------------------------------------------------------------------------

func TestConversionLedger_RecordConversionOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.conversions.RecordConversion(ctx, "pi_1", "token_limit", "discount", d("1.50"))
	if err != nil || !first {
		t.Fatalf("first = %v, %v", first, err)
	}
	second, err := h.conversions.RecordConversion(ctx, "pi_1", "token_limit", "discount", d("1.50"))
	if err != nil || second {
		t.Fatalf("second = %v, %v", second, err)
	}

	c := h.counter(t, "token_limit", "discount")
	if c.Conversions != 1 || !c.Revenue.Equal(d("1.5")) {
		t.Errorf("counters = %+v", c)
	}
}

func TestConversionLedger_ProcessOnceReleasesOnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	boom := errors.New("apply failed")

	if _, err := h.conversions.ProcessOnce(ctx, "pi_2", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	ran := false
	applied, err := h.conversions.ProcessOnce(ctx, "pi_2", func(context.Context) error { ran = true; return nil })
	if err != nil || !applied || !ran {
		t.Errorf("retry applied=%v ran=%v err=%v", applied, ran, err)
	}
}

func TestConversionLedger_RecordEventValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		key     string
		variant string
		kind    conversion.Kind
		revenue decimal.Decimal
	}{
		{"missing variant", "token_limit", "", conversion.KindClick, decimal.Zero},
		{"negative revenue", "token_limit", "control", conversion.KindConversion, d("-1")},
		{"unknown kind", "token_limit", "control", conversion.Kind("refund"), decimal.Zero},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.conversions.RecordEvent(ctx, tt.key, tt.variant, tt.kind, tt.revenue)
			var verr *fault.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestConversionLedger_BestVariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.conversions.BestVariant(ctx, "token_limit", conversion.ByRevenue); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("empty experiment err = %v", err)
	}

	for i := 0; i < 4; i++ {
		h.conversions.RecordEvent(ctx, "token_limit", "control", conversion.KindImpression, decimal.Zero)
		h.conversions.RecordEvent(ctx, "token_limit", "discount", conversion.KindImpression, decimal.Zero)
	}
	h.conversions.RecordEvent(ctx, "token_limit", "control", conversion.KindConversion, d("2.00"))
	h.conversions.RecordEvent(ctx, "token_limit", "discount", conversion.KindConversion, d("1.50"))
	h.conversions.RecordEvent(ctx, "token_limit", "discount", conversion.KindConversion, d("1.50"))

	best, err := h.conversions.BestVariant(ctx, "token_limit", conversion.ByRevenue)
	if err != nil {
		t.Fatal(err)
	}
	if best != "discount" {
		t.Errorf("best = %s, want discount", best)
	}
}

// -----------------------------------------------------------------------------
// Gateway: check and meter
// -----------------------------------------------------------------------------

func TestGateway_ThreeRequestsHitTheWall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	op := func(context.Context) (app.Work, error) {
		return app.Work{ResourceClass: "gpt-4o", Units: usage.Units{Input: 300, Output: 100}}, nil
	}
	req := app.CheckRequest{SubjectID: "alice", Feature: "chat", Increment: 400}

	wantStates := []paywall.State{paywall.StateAllowed, paywall.StateAllowed, paywall.StateOfferPresented}
	for i, want := range wantStates {
		res, err := h.gateway.Meter(ctx, req, op)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if res.State != want {
			t.Fatalf("request %d: state = %s, want %s", i+1, res.State, want)
		}
	}

	if n := len(h.usage.Events("alice")); n != 2 {
		t.Errorf("recorded %d events, want 2 (blocked request must not consume)", n)
	}

	res, err := h.gateway.Check(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Outcome != quota.OutcomeBlock || res.TokensUsed != 800 || res.Decision.Limit != 1000 {
		t.Errorf("result = %+v", res)
	}
	if res.Offer == nil {
		t.Fatal("blocked check must carry an offer")
	}
	o := res.Offer
	if o.VariantID != "discount" || !o.Price.Amount.Equal(d("1.50")) || o.Price.Currency != "USD" {
		t.Errorf("offer = %+v", o)
	}
	if o.OfferID == "" || o.UpgradeURL != "/upgrade" || o.Message != "Daily limit reached" {
		t.Errorf("offer = %+v", o)
	}

	if c := h.counter(t, "token_limit", "discount"); c.Impressions != 2 {
		t.Errorf("impressions = %d, want 2", c.Impressions)
	}
}

func TestGateway_VariantPricing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		subject string
		variant string
		price   string
	}{
		{"alice", "discount", "1.50"},
		{"bob", "control", "2.00"},
	}
	for _, tt := range tests {
		h.consume(t, tt.subject, 1000)
		for i := 0; i < 3; i++ {
			res, err := h.gateway.Check(ctx, app.CheckRequest{SubjectID: tt.subject, Feature: "chat", Increment: 1})
			if err != nil {
				t.Fatal(err)
			}
			if res.Offer == nil || res.Offer.VariantID != tt.variant || !res.Offer.Price.Amount.Equal(d(tt.price)) {
				t.Errorf("%s check %d: offer = %+v", tt.subject, i, res.Offer)
			}
		}

		a, err := h.gateway.Assign(tt.subject, "token_limit")
		if err != nil {
			t.Fatal(err)
		}
		if a.Variant.ID != tt.variant || !a.Price.Amount.Equal(d(tt.price)) {
			t.Errorf("Assign(%s) = %+v", tt.subject, a)
		}
	}
}

func TestGateway_WarnCarriesUpsell(t *testing.T) {
	h := newHarness(t)
	h.consume(t, "alice", 850)

	res, err := h.gateway.Check(context.Background(), app.CheckRequest{SubjectID: "alice", Feature: "chat", Increment: 10})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != paywall.StateWarned || !res.Allowed() {
		t.Errorf("state = %s allowed = %v", res.State, res.Allowed())
	}
	if res.Offer == nil {
		t.Error("warn should carry an upsell offer")
	}
	if c := h.counter(t, "token_limit", "discount"); c.Impressions != 0 {
		t.Errorf("upsell must not count an impression, got %d", c.Impressions)
	}
}

func TestGateway_FeatureProduct(t *testing.T) {
	h := newHarness(t)
	h.consume(t, "alice", 1000)

	res, err := h.gateway.Check(context.Background(), app.CheckRequest{SubjectID: "alice", Feature: "batch", Increment: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Offer == nil || res.Offer.ProductType != "token_pack" || !res.Offer.Price.Amount.Equal(d("5")) {
		t.Errorf("offer = %+v", res.Offer)
	}
}

func TestGateway_LimitOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	zero := int64(0)
	res, err := h.gateway.Check(ctx, app.CheckRequest{SubjectID: "alice", Feature: "chat", Limit: &zero})
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed() {
		t.Error("zero limit must block")
	}

	unlimited := quota.Unlimited
	h.consume(t, "alice", 5000)
	_, err = h.gateway.Check(ctx, app.CheckRequest{SubjectID: "alice", Feature: "chat", Increment: 100, Limit: &unlimited})
	var verr *fault.ValidationError
	if !errors.As(err, &verr) || verr.Field != "limit" {
		t.Fatalf("loosening override err = %v, want limit validation error", err)
	}

	policy := testPolicy()
	policy.AllowOverrides = true
	if err := h.gateway.Update(testCatalog(t), policy); err != nil {
		t.Fatal(err)
	}
	res, err = h.gateway.Check(ctx, app.CheckRequest{SubjectID: "alice", Feature: "chat", Increment: 100, Limit: &unlimited})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed() {
		t.Error("unlimited subject must be allowed")
	}
}

func TestGateway_OverridesMayOnlyTighten(t *testing.T) {
	lower, higher, unlimited := int64(10), int64(5000), quota.Unlimited
	tests := []struct {
		name      string
		req       app.CheckRequest
		wantField string
	}{
		{"lower limit", app.CheckRequest{Limit: &lower}, ""},
		{"higher limit", app.CheckRequest{Limit: &higher}, "limit"},
		{"unlimited", app.CheckRequest{Limit: &unlimited}, "limit"},
		{"spend path on read feature", app.CheckRequest{Feature: "history", Path: quota.PathSpend}, ""},
		{"read path on read feature", app.CheckRequest{Feature: "history", Path: quota.PathRead}, ""},
		{"read path on spend feature", app.CheckRequest{Feature: "chat", Path: quota.PathRead}, "path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := tt.req
			req.SubjectID = "alice"
			req.Increment = 1

			_, err := h.gateway.Check(context.Background(), req)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				return
			}
			var verr *fault.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.wantField {
				t.Errorf("err = %v, want validation error on %s", err, tt.wantField)
			}
		})
	}
}

func TestGateway_RecordUsageRejectsSkewedTimestamps(t *testing.T) {
	h := newHarness(t)
	policy := testPolicy()
	policy.MaxSkew = 5 * time.Minute
	if err := h.gateway.Update(testCatalog(t), policy); err != nil {
		t.Fatal(err)
	}
	now := h.clock.Now()

	tests := []struct {
		name    string
		at      time.Time
		wantErr bool
	}{
		{"server assigned", time.Time{}, false},
		{"slightly behind", now.Add(-time.Minute), false},
		{"slightly ahead", now.Add(time.Minute), false},
		{"backdated", now.Add(-25 * time.Hour), true},
		{"future", now.Add(time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := usage.Event{SubjectID: "alice", ResourceClass: "gpt-4o", Units: usage.Units{Input: 10}, Timestamp: tt.at}
			_, err := h.gateway.RecordUsage(context.Background(), e)
			var verr *fault.ValidationError
			if tt.wantErr != (errors.As(err, &verr) && verr.Field == "timestamp") {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("err = %v", err)
			}
		})
	}
	if n := len(h.usage.Events("alice")); n != 3 {
		t.Errorf("recorded %d events, want 3", n)
	}
}

func TestGateway_MeterDoesNotRecordFailedWork(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("model timeout")

	_, err := h.gateway.Meter(context.Background(), app.CheckRequest{SubjectID: "alice", Feature: "chat", Increment: 100},
		func(context.Context) (app.Work, error) { return app.Work{}, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if n := len(h.usage.Events("alice")); n != 0 {
		t.Errorf("failed work recorded %d events", n)
	}
}

func TestGateway_MeterDoesNotRecordCancelledWork(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := h.gateway.Meter(ctx, app.CheckRequest{SubjectID: "alice", Feature: "chat", Increment: 100},
		func(context.Context) (app.Work, error) {
			cancel()
			return app.Work{Units: usage.Units{Input: 100}}, nil
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(h.usage.Events("alice")); n != 0 {
		t.Errorf("cancelled work recorded %d events", n)
	}
}

func TestGateway_LedgerUnavailable(t *testing.T) {
	h := newHarness(t, withUsageStore(failingUsageStore{errors.New("down")}))
	ctx := context.Background()

	res, err := h.gateway.Check(ctx, app.CheckRequest{SubjectID: "alice", Feature: "history", Increment: 1})
	if err != nil || !res.Allowed() || !res.Decision.Degraded {
		t.Errorf("read feature: res = %+v, err = %v", res, err)
	}

	_, err = h.gateway.Check(ctx, app.CheckRequest{SubjectID: "alice", Feature: "chat", Increment: 1})
	var qerr *fault.QuotaUnavailableError
	if !errors.As(err, &qerr) {
		t.Errorf("spend feature err = %v", err)
	}

	_, err = h.gateway.Check(ctx, app.CheckRequest{SubjectID: "alice", Feature: "history", Increment: 1, Path: quota.PathSpend})
	if !errors.As(err, &qerr) {
		t.Errorf("path override err = %v", err)
	}
}

// -----------------------------------------------------------------------------
// Gateway: purchase and confirm
// -----------------------------------------------------------------------------

func TestGateway_Purchase(t *testing.T) {
	h := newHarness(t)

	res, err := h.gateway.Purchase(context.Background(), app.PurchaseRequest{
		SubjectID:   "alice",
		ProductType: "token_limit",
		Amount:      d("1.50"),
		OfferID:     "offer-1",
	})
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if res.SessionID == "" || res.ClientSecret == "" {
		t.Errorf("result = %+v", res)
	}
	if res.VariantID != "discount" || res.ExperimentKey != "token_limit" {
		t.Errorf("attribution = %+v", res)
	}
	if c := h.counter(t, "token_limit", "discount"); c.Clicks != 1 {
		t.Errorf("clicks = %d, want 1", c.Clicks)
	}
}

func TestGateway_PurchaseValidation(t *testing.T) {
	tests := []struct {
		name     string
		req      app.PurchaseRequest
		wantCode string
	}{
		{"missing user", app.PurchaseRequest{ProductType: "token_limit", Amount: d("1.50")}, fault.CodeMissingUserID},
		{"unknown product", app.PurchaseRequest{SubjectID: "alice", ProductType: "gold", Amount: d("1.50")}, fault.CodeInvalidProductType},
		{"zero amount", app.PurchaseRequest{SubjectID: "alice", ProductType: "token_limit", Amount: decimal.Zero}, fault.CodeInvalidAmount},
		{"negative amount", app.PurchaseRequest{SubjectID: "alice", ProductType: "token_limit", Amount: d("-1")}, fault.CodeInvalidAmount},
		{"unknown variant", app.PurchaseRequest{SubjectID: "alice", ProductType: "token_limit", Amount: d("1.50"), VariantID: "vip"}, fault.CodeUnknownVariant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.gateway.Purchase(context.Background(), tt.req)
			var verr *fault.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", verr.Code, tt.wantCode)
			}
		})
	}
}

func TestGateway_PurchasePriceMismatch(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		variant string
		amount  string
	}{
		{"control price for discount subject", "alice", "", "2.00"},
		{"discount price for control subject", "bob", "", "1.50"},
		{"wrong price for named variant", "alice", "premium", "2.00"},
		{"tampered amount", "alice", "discount", "0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.gateway.Purchase(context.Background(), app.PurchaseRequest{
				SubjectID:   tt.subject,
				ProductType: "token_limit",
				Amount:      d(tt.amount),
				VariantID:   tt.variant,
			})
			var mismatch *fault.PriceMismatchError
			if !errors.As(err, &mismatch) {
				t.Fatalf("expected PriceMismatchError, got %v", err)
			}
			if !mismatch.Received.Equal(d(tt.amount)) {
				t.Errorf("Received = %s", mismatch.Received)
			}
		})
	}
}

func TestGateway_PurchaseNamedVariant(t *testing.T) {
	h := newHarness(t)

	res, err := h.gateway.Purchase(context.Background(), app.PurchaseRequest{
		SubjectID:   "alice",
		ProductType: "token_limit",
		Amount:      d("2.4"),
		VariantID:   "premium",
	})
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if res.VariantID != "premium" || !res.Price.Amount.Equal(d("2.40")) {
		t.Errorf("result = %+v", res)
	}
}

func TestGateway_PaymentsDisabled(t *testing.T) {
	h := newHarness(t, withoutPayments())
	ctx := context.Background()

	_, err := h.gateway.Purchase(ctx, app.PurchaseRequest{SubjectID: "alice", ProductType: "token_limit", Amount: d("1.50")})
	if !errors.Is(err, fault.ErrPaymentsDisabled) {
		t.Errorf("Purchase err = %v", err)
	}
	if _, err := h.gateway.Confirm(ctx, []byte("{}"), "sig"); !errors.Is(err, fault.ErrPaymentsDisabled) {
		t.Errorf("Confirm err = %v", err)
	}
}

func (h *harness) signedConfirmation(t *testing.T, subject, product, variant string, amount string) ([]byte, string) {
	t.Helper()
	payload, sig, err := h.provider.SignedEvent("dummy_pi_"+subject, ports.PaymentRequest{
		SubjectID:     subject,
		ProductType:   product,
		ExperimentKey: product,
		VariantID:     variant,
		OfferID:       "offer-1",
		Amount:        pricing.Money{Amount: d(amount), Currency: "USD"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return payload, sig
}

func TestGateway_ConfirmResetsQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.consume(t, "alice", 1000)

	blocked, _ := h.gateway.Check(ctx, app.CheckRequest{SubjectID: "alice", Feature: "chat", Increment: 100})
	if blocked.Allowed() {
		t.Fatal("expected block before purchase")
	}

	h.clock.Advance(time.Minute)
	payload, sig := h.signedConfirmation(t, "alice", "token_limit", "discount", "1.50")
	res, err := h.gateway.Confirm(ctx, payload, sig)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if res.Duplicate || res.Ignored || res.State != paywall.StatePurchased {
		t.Errorf("result = %+v", res)
	}

	h.clock.Advance(time.Second)
	after, err := h.gateway.Check(ctx, app.CheckRequest{SubjectID: "alice", Feature: "chat", Increment: 100})
	if err != nil {
		t.Fatal(err)
	}
	if !after.Allowed() || after.TokensUsed != 0 {
		t.Errorf("after purchase: %+v", after)
	}

	c := h.counter(t, "token_limit", "discount")
	if c.Conversions != 1 || !c.Revenue.Equal(d("1.5")) {
		t.Errorf("counters = %+v", c)
	}
}

func TestGateway_ConfirmGrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.consume(t, "alice", 1000)

	payload, sig := h.signedConfirmation(t, "alice", "token_pack", "control", "5.00")
	if _, err := h.gateway.Confirm(ctx, payload, sig); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	res, err := h.gateway.Check(ctx, app.CheckRequest{SubjectID: "alice", Feature: "chat", Increment: 100})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed() || res.Decision.Limit != 1500 || res.TokensUsed != 1000 {
		t.Errorf("after grant: %+v", res)
	}
}

func TestGateway_ConfirmDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payload, sig := h.signedConfirmation(t, "alice", "token_pack", "control", "5.00")

	first, err := h.gateway.Confirm(ctx, payload, sig)
	if err != nil || first.Duplicate {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := h.gateway.Confirm(ctx, payload, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.ConfirmationID != first.ConfirmationID {
		t.Errorf("second = %+v", second)
	}

	u, _ := h.gateway.Usage(ctx, "alice", 0)
	if u.GrantedUnits != 500 {
		t.Errorf("GrantedUnits = %d, want 500 (applied once)", u.GrantedUnits)
	}
	if c := h.counter(t, "token_pack", "control"); c.Conversions != 1 {
		t.Errorf("conversions = %d, want 1", c.Conversions)
	}
}

func TestGateway_ConfirmRetryAfterLedgerFailure(t *testing.T) {
	store := &flakyUsageStore{UsageStore: memory.NewUsageStore()}
	defer store.Stop()
	h := newHarness(t, withUsageStore(store))
	ctx := context.Background()
	payload, sig := h.signedConfirmation(t, "alice", "token_limit", "discount", "1.50")

	store.failNext = true
	if _, err := h.gateway.Confirm(ctx, payload, sig); err == nil {
		t.Fatal("expected error when the ledger append fails")
	}

	res, err := h.gateway.Confirm(ctx, payload, sig)
	if err != nil || res.Duplicate {
		t.Fatalf("retry = %+v, %v", res, err)
	}
	if n := len(store.Events("alice")); n != 1 {
		t.Errorf("events = %d, want exactly one reset", n)
	}
}

func TestGateway_ConfirmRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	payload, _ := h.signedConfirmation(t, "alice", "token_limit", "discount", "1.50")

	if _, err := h.gateway.Confirm(context.Background(), payload, "forged"); !errors.Is(err, fault.ErrSignatureInvalid) {
		t.Errorf("err = %v, want ErrSignatureInvalid", err)
	}
	if n := len(h.usage.Events("alice")); n != 0 {
		t.Errorf("forged callback applied %d events", n)
	}
}

func TestGateway_ConfirmIgnoresFailedPayment(t *testing.T) {
	h := newHarness(t)
	payload := []byte(`{"id":"evt_1","type":"payment.failed","session_id":"dummy_pi_1","subject_id":"alice","product_type":"token_limit","variant_id":"discount","amount":"1.50","currency":"usd"}`)

	res, err := h.gateway.Confirm(context.Background(), payload, h.provider.Sign(payload))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Ignored {
		t.Errorf("result = %+v, want ignored", res)
	}
	if n := len(h.usage.Events("alice")); n != 0 {
		t.Errorf("failed payment applied %d events", n)
	}
}

// -----------------------------------------------------------------------------
// Gateway: offer outcomes, reload, reporting
// -----------------------------------------------------------------------------

func TestGateway_DeclineAndAbandon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	outcome := app.OfferOutcome{SubjectID: "alice", OfferID: "offer-1"}

	state, err := h.gateway.Decline(ctx, outcome)
	if err != nil || state != paywall.StateDeclined {
		t.Errorf("Decline = %s, %v", state, err)
	}
	if c := h.counter(t, "token_limit", "discount"); c.Clicks != 1 || c.Conversions != 0 {
		t.Errorf("after decline: %+v", c)
	}

	state, err = h.gateway.Abandon(ctx, outcome)
	if err != nil || state != paywall.StateAbandoned {
		t.Errorf("Abandon = %s, %v", state, err)
	}
	if c := h.counter(t, "token_limit", "discount"); c.Clicks != 1 || c.Impressions != 0 {
		t.Errorf("abandon changed counters: %+v", c)
	}

	if _, err := h.gateway.Decline(ctx, app.OfferOutcome{}); err == nil {
		t.Error("expected error without subject")
	}
}

func TestGateway_UpdateRejectsInconsistentPolicy(t *testing.T) {
	h := newHarness(t)

	bad := testPolicy()
	bad.DefaultProduct = "gold"
	var cerr *fault.ConfigError
	if err := h.gateway.Update(testCatalog(t), bad); !errors.As(err, &cerr) {
		t.Errorf("expected ConfigError, got %v", err)
	}
	if err := h.gateway.Update(nil, testPolicy()); !errors.As(err, &cerr) {
		t.Errorf("nil catalog err = %v", err)
	}
	if h.gateway.Policy().DefaultProduct != "token_limit" {
		t.Error("rejected update must keep the previous policy")
	}

	next := testPolicy()
	next.Limit = 50
	if err := h.gateway.Update(testCatalog(t), next); err != nil {
		t.Fatal(err)
	}
	if h.gateway.Policy().Limit != 50 {
		t.Error("update not applied")
	}
}

func TestGateway_SummaryAndBest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.gateway.Summary(ctx, "missing"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("unknown experiment err = %v", err)
	}

	h.consume(t, "alice", 1000)
	h.gateway.Check(ctx, app.CheckRequest{SubjectID: "alice", Feature: "chat", Increment: 1})
	payload, sig := h.signedConfirmation(t, "alice", "token_limit", "discount", "1.50")
	h.gateway.Confirm(ctx, payload, sig)

	metrics, err := h.gateway.Summary(ctx, "token_limit")
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 || metrics[0].VariantID != "discount" || metrics[0].ConversionRate != 1 {
		t.Errorf("metrics = %+v", metrics)
	}

	best, err := h.gateway.BestVariant(ctx, "token_limit", conversion.ByConversionRate)
	if err != nil || best != "discount" {
		t.Errorf("best = %s, %v", best, err)
	}
}
