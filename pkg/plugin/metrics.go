package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the registry's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registered *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	handovers  *prometheus.CounterVec
	denials    *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	providers  *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgmhost",
			Subsystem: "plugins",
			Name:      "registered_total",
			Help:      "Plugins that passed validation and initialisation.",
		}, []string{"source"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgmhost",
			Subsystem: "plugins",
			Name:      "skipped_total",
			Help:      "Plugins excluded from the registry.",
		}, []string{"reason"}),
		handovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgmhost",
			Subsystem: "plugins",
			Name:      "handovers_total",
			Help:      "Capability slot assignments by outcome.",
		}, []string{"capability", "result"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgmhost",
			Subsystem: "sandbox",
			Name:      "denials_total",
			Help:      "Operations refused by restricted plugin contexts.",
		}, []string{"permission"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgmhost",
			Subsystem: "safety",
			Name:      "records_dropped_total",
			Help:      "Extracted records dropped by the registry guard for exceeding safety limits.",
		}, []string{"capability"}),
		providers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cgmhost",
			Subsystem: "plugins",
			Name:      "active_providers",
			Help:      "Active providers per capability.",
		}, []string{"capability"}),
	}
	if reg != nil {
		reg.MustRegister(m.registered, m.skipped, m.handovers, m.denials, m.dropped, m.providers)
	}
	return m
}

func (m *Metrics) incRegistered(src Source) {
	if m != nil {
		m.registered.WithLabelValues(string(src)).Inc()
	}
}

func (m *Metrics) incSkipped(reason string) {
	if m != nil {
		m.skipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incHandover(c Capability, result string) {
	if m != nil {
		m.handovers.WithLabelValues(string(c), result).Inc()
	}
}

func (m *Metrics) incDenied(perm Permission) {
	if m != nil {
		m.denials.WithLabelValues(string(perm)).Inc()
	}
}

func (m *Metrics) addDropped(c Capability, n int) {
	if m != nil {
		m.dropped.WithLabelValues(string(c)).Add(float64(n))
	}
}

func (m *Metrics) setProviders(c Capability, n int) {
	if m != nil {
		m.providers.WithLabelValues(string(c)).Set(float64(n))
	}
}
