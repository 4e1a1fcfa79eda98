// Package metrics provides Prometheus metrics collection for the paywall.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "paywall"

// Collector holds all Prometheus metrics for the paywall.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Quota metrics
	Decisions      *prometheus.CounterVec
	UsageUnits     *prometheus.CounterVec
	LedgerFailures *prometheus.CounterVec
	DegradedChecks prometheus.Counter

	// Experiment metrics
	OffersPresented *prometheus.CounterVec
	OfferOutcomes   *prometheus.CounterVec

	// Payment metrics
	Purchases       *prometheus.CounterVec
	PriceMismatches *prometheus.CounterVec
	Confirmations   *prometheus.CounterVec
	Revenue         *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),

		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_decisions_total",
				Help:      "Quota decisions by feature and outcome",
			},
			[]string{"feature", "outcome"},
		),
		UsageUnits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_units_total",
				Help:      "Units recorded to the usage ledger",
			},
			[]string{"resource_class", "direction"},
		),
		LedgerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_failures_total",
				Help:      "Usage ledger reads that failed, by resulting policy",
			},
			[]string{"policy"},
		),
		DegradedChecks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "degraded_checks_total",
				Help:      "Checks admitted without usage data on a fail-open path",
			},
		),

		OffersPresented: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offers_presented_total",
				Help:      "Paywall offers presented by experiment and variant",
			},
			[]string{"experiment", "variant"},
		),
		OfferOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offer_outcomes_total",
				Help:      "Offers declined or abandoned",
			},
			[]string{"outcome"},
		),

		Purchases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purchases_total",
				Help:      "Purchase attempts by product and result",
			},
			[]string{"product", "result"},
		),
		PriceMismatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "price_mismatches_total",
				Help:      "Purchases rejected because the amount did not match the catalog",
			},
			[]string{"product"},
		),
		Confirmations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "confirmations_total",
				Help:      "Payment callbacks by result",
			},
			[]string{"result"},
		),
		Revenue: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "revenue_total",
				Help:      "Confirmed revenue in major currency units",
			},
			[]string{"currency"},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// StatusClass buckets an HTTP status into 2xx, 4xx and so on.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

// NormalizeRoute keeps label cardinality bounded. Requests that matched no
// route share one label.
func NormalizeRoute(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	return pattern
}
