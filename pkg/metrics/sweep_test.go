package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestSweepMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewSweepMetrics(reg)
	sweeper := "payment-timeout"
	metrics.ObserveDuration(sweeper, 250*time.Millisecond)
	metrics.AddHandled(sweeper, 3)
	metrics.AddFailed(sweeper, 1)
	metrics.SetBacklog(4)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "reconciler_payments_expired_total", "sweeper", sweeper); err != nil {
		t.Fatalf("fetch handled: %v", err)
	} else if got != 3 {
		t.Fatalf("expected handled=3, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "reconciler_payment_failures_total", "sweeper", sweeper); err != nil {
		t.Fatalf("fetch failed: %v", err)
	} else if got != 1 {
		t.Fatalf("expected failed=1, got %f", got)
	}

	if got, err := fetchHistogramSum(mfs, "reconciler_sweep_duration_seconds", "sweeper", sweeper); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f", got)
	}

	if mf := findMetricFamily(mfs, "reconciler_expired_pending_payments"); mf == nil {
		t.Fatalf("backlog gauge not registered")
	} else if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 4 {
		t.Fatalf("expected backlog=4, got %f", got)
	}
}

func TestSweepMetricsNilReceiverIsSafe(t *testing.T) {
	var metrics *SweepMetrics
	metrics.ObserveDuration("x", time.Second)
	metrics.AddHandled("x", 1)
	metrics.AddFailed("x", 1)
	metrics.SetBacklog(1)
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
