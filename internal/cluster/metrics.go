package cluster

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records orchestrator stages.
type Metrics struct {
	stages *prometheus.HistogramVec
	vms    *prometheus.GaugeVec
}

// NewMetrics registers the stage histogram and VM gauge with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corral",
			Name:      "stage_duration_seconds",
			Help:      "Duration of cluster lifecycle stages by stage and outcome.",
			Buckets:   []float64{0.1, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"cluster", "stage", "outcome"}),
		vms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corral",
			Name:      "cluster_vms",
			Help:      "VMs of a cluster by observed state.",
		}, []string{"cluster", "state"}),
	}
	reg.MustRegister(m.stages, m.vms)
	return m
}

func (m *Metrics) observe(cluster, stage string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.stages.WithLabelValues(cluster, stage, outcome).Observe(time.Since(start).Seconds())
}

func (m *Metrics) setVMs(cluster string, counts map[string]int) {
	if m == nil {
		return
	}
	m.vms.DeletePartialMatch(prometheus.Labels{"cluster": cluster})
	for s, n := range counts {
		m.vms.WithLabelValues(cluster, s).Set(float64(n))
	}
}
