package metrics_test

import (
	"testing"

	"github.com/artpar/paywall/adapters/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestNew(t *testing.T) {
	// Use a new registry to avoid conflicts with other tests
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	if m == nil {
		t.Fatal("NewWithRegistry returned nil")
	}

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.Decisions == nil {
		t.Error("Decisions is nil")
	}
	if m.OffersPresented == nil {
		t.Error("OffersPresented is nil")
	}
	if m.Purchases == nil {
		t.Error("Purchases is nil")
	}
	if m.Confirmations == nil {
		t.Error("Confirmations is nil")
	}
	if m.ConfigReloads == nil {
		t.Error("ConfigReloads is nil")
	}
}

func TestRequestsTotal(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.RequestsTotal.WithLabelValues("POST", "/v1/check", "2xx").Inc()
	m.RequestsTotal.WithLabelValues("POST", "/v1/purchase", "4xx").Add(5)

	f := gather(t, reg, "paywall_requests_total")
	if f == nil {
		t.Fatal("paywall_requests_total metric not found")
	}
	if len(f.GetMetric()) != 2 {
		t.Errorf("expected 2 metric series, got %d", len(f.GetMetric()))
	}
}

func TestRequestDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.RequestDuration.WithLabelValues("POST", "/v1/check", "2xx").Observe(0.05)
	m.RequestDuration.WithLabelValues("POST", "/v1/check", "2xx").Observe(0.1)

	f := gather(t, reg, "paywall_request_duration_seconds")
	if f == nil {
		t.Fatal("paywall_request_duration_seconds metric not found")
	}
	if got := f.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestDecisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.Decisions.WithLabelValues("chat", "allow").Inc()
	m.Decisions.WithLabelValues("chat", "block").Inc()
	m.Decisions.WithLabelValues("chat", "block").Inc()

	f := gather(t, reg, "paywall_quota_decisions_total")
	if f == nil {
		t.Fatal("paywall_quota_decisions_total metric not found")
	}
	if len(f.GetMetric()) != 2 {
		t.Errorf("expected 2 metric series, got %d", len(f.GetMetric()))
	}
}

func TestPaymentMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.Purchases.WithLabelValues("token_limit", "created").Inc()
	m.PriceMismatches.WithLabelValues("token_limit").Inc()
	m.Confirmations.WithLabelValues("applied").Inc()
	m.Revenue.WithLabelValues("USD").Add(1.5)

	for _, name := range []string{
		"paywall_purchases_total",
		"paywall_price_mismatches_total",
		"paywall_confirmations_total",
		"paywall_revenue_total",
	} {
		if gather(t, reg, name) == nil {
			t.Errorf("%s metric not found", name)
		}
	}

	f := gather(t, reg, "paywall_revenue_total")
	if got := f.GetMetric()[0].GetCounter().GetValue(); got != 1.5 {
		t.Errorf("revenue = %f, want 1.5", got)
	}
}

func TestConfigReloads(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ConfigReloads.Inc()
	m.ConfigLastReload.SetToCurrentTime()

	if gather(t, reg, "paywall_config_reloads_total") == nil {
		t.Error("paywall_config_reloads_total metric not found")
	}
	if gather(t, reg, "paywall_config_last_reload_timestamp") == nil {
		t.Error("paywall_config_last_reload_timestamp metric not found")
	}
}

func TestRequestsInFlight(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.RequestsInFlight.Inc()
	m.RequestsInFlight.Inc()
	m.RequestsInFlight.Dec()

	f := gather(t, reg, "paywall_requests_in_flight")
	if f == nil {
		t.Fatal("paywall_requests_in_flight metric not found")
	}
	// Value should be 1 (2 inc - 1 dec)
	if val := f.GetMetric()[0].GetGauge().GetValue(); val != 1 {
		t.Errorf("expected value 1, got %f", val)
	}
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{302, "3xx"},
		{402, "4xx"},
		{503, "5xx"},
		{101, "1xx"},
	}
	for _, tt := range tests {
		if got := metrics.StatusClass(tt.status); got != tt.want {
			t.Errorf("StatusClass(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestNormalizeRoute(t *testing.T) {
	if got := metrics.NormalizeRoute("/v1/usage/{subjectID}"); got != "/v1/usage/{subjectID}" {
		t.Errorf("NormalizeRoute kept pattern = %s", got)
	}
	if got := metrics.NormalizeRoute(""); got != "unmatched" {
		t.Errorf("NormalizeRoute(\"\") = %s", got)
	}
}
