package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the sweeps.
type Metrics struct {
	SweepsTotal    *prometheus.CounterVec
	ItemsProcessed *prometheus.CounterVec
	SweepsSkipped  *prometheus.CounterVec
	SweepDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "scheduler",
			Name:      "sweeps_total",
			Help:      "Sweeps run, by outcome.",
		}, []string{"sweep", "status"}),
		ItemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "scheduler",
			Name:      "items_processed_total",
			Help:      "Items handled by sweeps, e.g. expired tickets or purged cache entries.",
		}, []string{"sweep"}),
		SweepsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "scheduler",
			Name:      "sweeps_skipped_total",
			Help:      "Slots skipped because the previous run was still in progress.",
		}, []string{"sweep"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "veritas",
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"sweep"}),
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.ItemsProcessed,
		m.SweepsSkipped,
		m.SweepDuration,
	)

	return m
}

func (m *Metrics) observe(sweep string, n int, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SweepsTotal.WithLabelValues(sweep, status).Inc()
	m.ItemsProcessed.WithLabelValues(sweep).Add(float64(n))
	m.SweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

func (m *Metrics) skipped(sweep string) {
	if m == nil {
		return
	}
	m.SweepsSkipped.WithLabelValues(sweep).Inc()
}
