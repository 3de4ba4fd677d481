package bus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the bus routes.
type Metrics struct {
	eventsRouted *prometheus.CounterVec
	decisions    *prometheus.CounterVec
}

// NewMetrics registers the bus collectors with reg. Collectors already
// registered under the same names are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		eventsRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "island",
				Name:      "events_routed_total",
				Help:      "Agent events applied to the session store.",
			},
			[]string{"agent", "kind"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "island",
				Name:      "permission_decisions_total",
				Help:      "Permission decisions forwarded to agents.",
			},
			[]string{"agent", "decision"},
		),
	}
	m.eventsRouted = register(reg, m.eventsRouted)
	m.decisions = register(reg, m.decisions)
	return m
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) routed(agentID, kind string) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(agentID, kind).Inc()
}

func (m *Metrics) decided(agentID, decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(agentID, decision).Inc()
}
