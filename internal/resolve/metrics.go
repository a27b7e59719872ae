package resolve

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks cache effectiveness of the resolver.
type Metrics struct {
	resolutions *prometheus.CounterVec
}

// NewMetrics registers resolver metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corebase_resolutions_total",
			Help: "Permission resolutions by result (hit, miss, error).",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.resolutions)
	}
	return m
}

// Resolution records one resolution outcome.
func (m *Metrics) Resolution(result string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(result).Inc()
}
