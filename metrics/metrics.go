// Package metrics exposes capsule counters in the Prometheus format.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "capsule"

// Access event results
const (
	AccessAccepted  = "accepted"
	AccessDiscarded = "discarded"
)

type Metrics struct {
	registry *prometheus.Registry

	rotations       prometheus.Counter
	removals        prometheus.Counter
	reconcileErrors prometheus.Counter
	mirrorCopies    prometheus.Counter
	links           prometheus.Gauge
	accessEvents    *prometheus.CounterVec
	digests         *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Tokens replaced after reaching their expiry.",
		}),
		removals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removals_total",
			Help:      "Private resources deleted because their link expired.",
		}),
		reconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_errors_total",
			Help:      "Failed repairs during reconciliation passes.",
		}),
		mirrorCopies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_copies_total",
			Help:      "Files copied into the mirrored tree.",
		}),
		links: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links",
			Help:      "Links currently held in the links file.",
		}),
		accessEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_events_total",
			Help:      "Private accesses received from the HTTP layer.",
		}, []string{"result"}),
		digests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digests_total",
			Help:      "Access digests handed to the notifier chain.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.rotations,
		m.removals,
		m.reconcileErrors,
		m.mirrorCopies,
		m.links,
		m.accessEvents,
		m.digests,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Rotation() {
	if m != nil {
		m.rotations.Inc()
	}
}

func (m *Metrics) Removal() {
	if m != nil {
		m.removals.Inc()
	}
}

func (m *Metrics) ReconcileErrors(n int) {
	if m != nil && n > 0 {
		m.reconcileErrors.Add(float64(n))
	}
}

func (m *Metrics) MirrorCopies(n int) {
	if m != nil && n > 0 {
		m.mirrorCopies.Add(float64(n))
	}
}

func (m *Metrics) Links(n int) {
	if m != nil {
		m.links.Set(float64(n))
	}
}

func (m *Metrics) AccessEvent(result string) {
	if m != nil {
		m.accessEvents.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Digest(status string) {
	if m != nil {
		m.digests.WithLabelValues(status).Inc()
	}
}
