// Package conversion holds the experiment conversion counters and the pure
// functions that turn them into comparable rates.
package conversion

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Kind is the funnel step being counted.
type Kind string

const (
	KindImpression Kind = "impression"
	KindClick      Kind = "click"
	KindConversion Kind = "conversion"
)

// ParseKind parses an event kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindImpression, KindClick, KindConversion:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown conversion event kind %q", s)
	}
}

// Counters are monotonically non-decreasing totals for one (experiment, variant).
type Counters struct {
	ExperimentKey string
	VariantID     string
	Impressions   int64
	Clicks        int64
	Conversions   int64
	Revenue       decimal.Decimal
}

// Delta returns the counter increment for one event.
// Revenue is only carried by conversions.
func Delta(kind Kind, revenue decimal.Decimal) Counters {
	switch kind {
	case KindImpression:
		return Counters{Impressions: 1, Revenue: decimal.Zero}
	case KindClick:
		return Counters{Clicks: 1, Revenue: decimal.Zero}
	case KindConversion:
		return Counters{Conversions: 1, Revenue: revenue}
	default:
		return Counters{Revenue: decimal.Zero}
	}
}

// Add merges a delta into c.
func (c Counters) Add(delta Counters) Counters {
	c.Impressions += delta.Impressions
	c.Clicks += delta.Clicks
	c.Conversions += delta.Conversions
	c.Revenue = c.Revenue.Add(delta.Revenue)
	return c
}

// Metric is the per-variant comparison row (value type).
type Metric struct {
	Counters
	ConversionRate    float64         // conversions / impressions, 0 without impressions
	ClickThroughRate  float64         // clicks / impressions, 0 without impressions
	AverageOrderValue decimal.Decimal // revenue / conversions, 0 without conversions
}

// Summarize computes rates for each variant, ordered by variant id.
// This is a PURE function.
func Summarize(rows []Counters) []Metric {
	out := make([]Metric, 0, len(rows))
	for _, c := range rows {
		m := Metric{Counters: c, AverageOrderValue: decimal.Zero}
		if c.Impressions > 0 {
			m.ConversionRate = float64(c.Conversions) / float64(c.Impressions)
			m.ClickThroughRate = float64(c.Clicks) / float64(c.Impressions)
		}
		if c.Conversions > 0 {
			m.AverageOrderValue = c.Revenue.Div(decimal.NewFromInt(c.Conversions))
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}

// Objective selects what BestVariant maximizes.
type Objective string

const (
	ByRevenue        Objective = "revenue"
	ByConversionRate Objective = "conversionRate"
)

// ParseObjective parses a best-variant objective.
func ParseObjective(s string) (Objective, error) {
	switch Objective(s) {
	case ByRevenue, ByConversionRate:
		return Objective(s), nil
	case "conversion_rate":
		return ByConversionRate, nil
	default:
		return "", fmt.Errorf("unknown objective %q", s)
	}
}

// Best returns the variant id maximizing the objective. Ties go to the
// variant with the lower multiplier, then to the lower id.
// multiplier returns false for unknown variants, which then sort last on ties.
// This is a PURE function.
func Best(metrics []Metric, by Objective, multiplier func(variantID string) (decimal.Decimal, bool)) (string, bool) {
	if len(metrics) == 0 {
		return "", false
	}

	better := func(a, b Metric) bool {
		switch cmp := compare(a, b, by); {
		case cmp > 0:
			return true
		case cmp < 0:
			return false
		}
		ma, okA := multiplier(a.VariantID)
		mb, okB := multiplier(b.VariantID)
		if okA != okB {
			return okA
		}
		if okA && !ma.Equal(mb) {
			return ma.LessThan(mb)
		}
		return a.VariantID < b.VariantID
	}

	best := metrics[0]
	for _, m := range metrics[1:] {
		if better(m, best) {
			best = m
		}
	}
	return best.VariantID, true
}

func compare(a, b Metric, by Objective) int {
	if by == ByConversionRate {
		switch {
		case a.ConversionRate > b.ConversionRate:
			return 1
		case a.ConversionRate < b.ConversionRate:
			return -1
		}
		return 0
	}
	return a.Revenue.Cmp(b.Revenue)
}
