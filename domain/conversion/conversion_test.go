package conversion

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var multipliers = map[string]decimal.Decimal{
	"control":  dec("1.0"),
	"discount": dec("0.75"),
	"premium":  dec("1.2"),
}

func lookup(id string) (decimal.Decimal, bool) {
	m, ok := multipliers[id]
	return m, ok
}

func TestSummarize_Rates(t *testing.T) {
	rows := []Counters{
		{VariantID: "premium", Impressions: 10, Clicks: 4, Conversions: 2, Revenue: dec("4.80")},
		{VariantID: "control", Impressions: 0, Clicks: 0, Conversions: 0, Revenue: decimal.Zero},
	}

	got := Summarize(rows)

	if len(got) != 2 || got[0].VariantID != "control" || got[1].VariantID != "premium" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].ConversionRate != 0 || !got[0].AverageOrderValue.IsZero() {
		t.Errorf("empty variant should have zero rates, got %+v", got[0])
	}
	if got[1].ConversionRate != 0.2 {
		t.Errorf("ConversionRate = %f, want 0.2", got[1].ConversionRate)
	}
	if got[1].ClickThroughRate != 0.4 {
		t.Errorf("ClickThroughRate = %f, want 0.4", got[1].ClickThroughRate)
	}
	if !got[1].AverageOrderValue.Equal(dec("2.40")) {
		t.Errorf("AverageOrderValue = %s, want 2.40", got[1].AverageOrderValue)
	}
}

func TestSummarize_ConversionsWithoutImpressions(t *testing.T) {
	got := Summarize([]Counters{{VariantID: "control", Conversions: 3, Revenue: dec("6")}})
	if got[0].ConversionRate != 0 {
		t.Errorf("ConversionRate = %f, want 0 (not NaN/Inf)", got[0].ConversionRate)
	}
	if !got[0].AverageOrderValue.Equal(dec("2")) {
		t.Errorf("AverageOrderValue = %s", got[0].AverageOrderValue)
	}
}

func TestBest_ByRevenue(t *testing.T) {
	metrics := Summarize([]Counters{
		{VariantID: "control", Impressions: 10, Conversions: 2, Revenue: dec("4.00")},
		{VariantID: "premium", Impressions: 10, Conversions: 2, Revenue: dec("4.80")},
		{VariantID: "discount", Impressions: 10, Conversions: 4, Revenue: dec("6.00")},
	})

	id, ok := Best(metrics, ByRevenue, lookup)
	if !ok || id != "discount" {
		t.Errorf("Best = %s, want discount", id)
	}
}

func TestBest_TieGoesToLowerMultiplier(t *testing.T) {
	metrics := Summarize([]Counters{
		{VariantID: "premium", Impressions: 10, Conversions: 5, Revenue: dec("12.00")},
		{VariantID: "control", Impressions: 10, Conversions: 5, Revenue: dec("12.00")},
		{VariantID: "discount", Impressions: 10, Conversions: 5, Revenue: dec("12.00")},
	})

	for _, by := range []Objective{ByRevenue, ByConversionRate} {
		id, _ := Best(metrics, by, lookup)
		if id != "discount" {
			t.Errorf("%s: Best = %s, want discount (cheapest)", by, id)
		}
	}
}

func TestBest_ByConversionRate(t *testing.T) {
	metrics := Summarize([]Counters{
		{VariantID: "control", Impressions: 100, Conversions: 10, Revenue: dec("20")},
		{VariantID: "premium", Impressions: 10, Conversions: 3, Revenue: dec("7.20")},
	})
	id, _ := Best(metrics, ByConversionRate, lookup)
	if id != "premium" {
		t.Errorf("Best = %s, want premium", id)
	}
}

func TestBest_UnknownVariantLosesTies(t *testing.T) {
	metrics := Summarize([]Counters{
		{VariantID: "retired", Impressions: 1, Conversions: 1, Revenue: dec("1")},
		{VariantID: "premium", Impressions: 1, Conversions: 1, Revenue: dec("1")},
	})
	id, _ := Best(metrics, ByRevenue, lookup)
	if id != "premium" {
		t.Errorf("Best = %s, want premium", id)
	}
}

func TestBest_Empty(t *testing.T) {
	if _, ok := Best(nil, ByRevenue, lookup); ok {
		t.Error("Best of nothing should report false")
	}
}

func TestDelta(t *testing.T) {
	if c := Delta(KindImpression, dec("9")); c.Impressions != 1 || !c.Revenue.IsZero() {
		t.Errorf("impression delta = %+v", c)
	}
	if c := Delta(KindClick, dec("9")); c.Clicks != 1 || !c.Revenue.IsZero() {
		t.Errorf("click delta = %+v", c)
	}
	if c := Delta(KindConversion, dec("9")); c.Conversions != 1 || !c.Revenue.Equal(dec("9")) {
		t.Errorf("conversion delta = %+v", c)
	}

	total := Counters{}.Add(Delta(KindImpression, decimal.Zero)).Add(Delta(KindConversion, dec("1.5")))
	if total.Impressions != 1 || total.Conversions != 1 || !total.Revenue.Equal(dec("1.5")) {
		t.Errorf("Add = %+v", total)
	}
}

func TestParse(t *testing.T) {
	if _, err := ParseKind("refund"); err == nil {
		t.Error("ParseKind should reject refund")
	}
	if k, err := ParseKind("click"); err != nil || k != KindClick {
		t.Errorf("ParseKind(click) = %v, %v", k, err)
	}
	if o, err := ParseObjective("conversion_rate"); err != nil || o != ByConversionRate {
		t.Errorf("ParseObjective = %v, %v", o, err)
	}
	if _, err := ParseObjective("profit"); err == nil {
		t.Error("ParseObjective should reject profit")
	}
}
