package invalidate

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks invalidation load for the observability collaborator.
// Pathological cascades (a role shared by thousands of users) show up as
// fat fan-out histogram tails.
type Metrics struct {
	total  *prometheus.CounterVec
	fanout prometheus.Histogram
	depth  prometheus.Histogram
}

// NewMetrics registers invalidation metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corebase_invalidations_total",
			Help: "Grant invalidation events processed, by event type.",
		}, []string{"type"}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "corebase_invalidation_fanout",
			Help:    "Distinct users evicted per invalidation event.",
			Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		depth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "corebase_invalidation_depth",
			Help:    "Cascade depth per invalidation event.",
			Buckets: []float64{1, 2, 3},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.total, m.fanout, m.depth)
	}
	return m
}

// Observe records one processed event.
func (m *Metrics) Observe(eventType string, fanout, depth int) {
	if m == nil {
		return
	}
	m.total.WithLabelValues(eventType).Inc()
	m.fanout.Observe(float64(fanout))
	m.depth.Observe(float64(depth))
}
