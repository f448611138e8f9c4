package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SweepMetrics records outcomes of payment timeout reconciliation runs.
type SweepMetrics struct {
	duration *prometheus.HistogramVec
	handled  *prometheus.CounterVec
	failed   *prometheus.CounterVec
	backlog  prometheus.Gauge
}

// NewSweepMetrics registers the reconciler metrics on the provided registerer.
func NewSweepMetrics(reg prometheus.Registerer) *SweepMetrics {
	if reg == nil {
		return &SweepMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconciler_sweep_duration_seconds",
		Help:    "Duration of payment timeout sweeps in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweeper"})
	handled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_payments_expired_total",
		Help: "Pending payments successfully marked expired.",
	}, []string{"sweeper"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_payment_failures_total",
		Help: "Expired payments the sweep failed to process.",
	}, []string{"sweeper"})
	backlog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reconciler_expired_pending_payments",
		Help: "Expired pending payments found by the most recent sweep.",
	})
	reg.MustRegister(duration, handled, failed, backlog)
	return &SweepMetrics{
		duration: duration,
		handled:  handled,
		failed:   failed,
		backlog:  backlog,
	}
}

// ObserveDuration records the duration of a sweep for the named sweeper.
func (s *SweepMetrics) ObserveDuration(sweeper string, duration time.Duration) {
	if s == nil || s.duration == nil {
		return
	}
	s.duration.WithLabelValues(normalizeLabel(sweeper)).Observe(duration.Seconds())
}

// AddHandled increments the processed-payment counter for the named sweeper.
func (s *SweepMetrics) AddHandled(sweeper string, n int) {
	if s == nil || s.handled == nil || n <= 0 {
		return
	}
	s.handled.WithLabelValues(normalizeLabel(sweeper)).Add(float64(n))
}

// AddFailed increments the failed-payment counter for the named sweeper.
func (s *SweepMetrics) AddFailed(sweeper string, n int) {
	if s == nil || s.failed == nil || n <= 0 {
		return
	}
	s.failed.WithLabelValues(normalizeLabel(sweeper)).Add(float64(n))
}

// SetBacklog records how many expired pending payments the sweep found.
func (s *SweepMetrics) SetBacklog(n int) {
	if s == nil || s.backlog == nil {
		return
	}
	s.backlog.Set(float64(n))
}

func normalizeLabel(sweeper string) string {
	if sweeper == "" {
		return "unknown"
	}
	return sweeper
}
