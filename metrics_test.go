package shield

import (
	"strings"
	"testing"
	"time"
)

func TestCounterSeriesAreLabelStable(t *testing.T) {
	m := NewInMemoryMetrics()
	m.IncrementCounter("shield_detections_total", map[string]string{"detector": "xss", "env": "prod"})
	m.IncrementCounter("shield_detections_total", map[string]string{"env": "prod", "detector": "xss"})
	if got := m.CounterValue("shield_detections_total", map[string]string{"detector": "xss", "env": "prod"}); got != 2 {
		t.Fatalf("label order must not split the series, got %g", got)
	}
}

func TestExportPrometheusFormat(t *testing.T) {
	m := NewInMemoryMetrics()
	m.IncrementCounter("shield_requests_blocked_total", nil)
	m.SetGauge("shield_global_risk_score", 42, nil)
	m.ObserveHistogram("shield_detector_duration_seconds", 0.5, map[string]string{"detector": "injection"})
	m.ObserveHistogram("shield_detector_duration_seconds", 1.5, map[string]string{"detector": "injection"})

	out := m.ExportPrometheus()
	for _, want := range []string{
		"shield_requests_blocked_total 1",
		"shield_global_risk_score 42",
		`shield_detector_duration_seconds_count{detector="injection"} 2`,
		`shield_detector_duration_seconds_sum{detector="injection"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("export missing %q:\n%s", want, out)
		}
	}
}

func TestMonthlyIndexPartitioning(t *testing.T) {
	ts := time.Date(2026, 8, 15, 23, 30, 0, 0, time.UTC)
	if got := MonthlyIndex("threat-events", ts); got != "threat-events-2026-08" {
		t.Fatalf("unexpected index name %q", got)
	}
	// Local timestamps normalize to UTC so partitions never straddle zones.
	loc := time.FixedZone("UTC+14", 14*3600)
	early := time.Date(2026, 9, 1, 1, 0, 0, 0, loc)
	if got := MonthlyIndex("shield-alerts", early); got != "shield-alerts-2026-08" {
		t.Fatalf("zone normalization failed: %q", got)
	}
}
