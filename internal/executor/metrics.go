package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records external tool runs.
type Metrics struct {
	runs *prometheus.HistogramVec
}

// NewMetrics registers the tool-run histogram with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corral",
			Name:      "tool_run_duration_seconds",
			Help:      "Duration of external tool invocations by tool and outcome.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300, 1800},
		}, []string{"tool", "outcome"}),
	}
	reg.MustRegister(m.runs)
	return m
}

// Observe records one run.
func (m *Metrics) Observe(tool, outcome string, d time.Duration) {
	m.runs.WithLabelValues(tool, outcome).Observe(d.Seconds())
}
