// Package metrics holds the Prometheus collectors of the publisher and consumer loops.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "maskshm"

// Metrics is a private registry plus the collectors registered on it. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Published   prometheus.Counter
	Consumed    prometheus.Counter
	Stale       prometheus.Counter
	DumpDropped prometheus.Counter
	Attaches    prometheus.Counter
	WaitSeconds *prometheus.HistogramVec
	MaskCover   prometheus.Gauge
	LinkState   *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry, with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Published: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "masks_published_total",
			Help: "Masks written to the mailbox and marked FULL.",
		}),
		Consumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "masks_consumed_total",
			Help: "Masks read from the mailbox and released.",
		}),
		Stale: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "link_stale_total",
			Help: "Times the consumer went without a mask for longer than the stale threshold.",
		}),
		DumpDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dump_dropped_total",
			Help: "Masks not dumped to disk because the dump queue was full.",
		}),
		Attaches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "attaches_total",
			Help: "Successful consumer attaches.",
		}),
		WaitSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "wait_seconds",
			Help:    "Time spent waiting for the peer to hand the slot over.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"side"}),
		MaskCover: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mask_coverage_ratio",
			Help: "Share of 255 pixels in the last mask handled.",
		}),
		LinkState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "link_state",
			Help: "1 for the consumer's current link state, 0 otherwise.",
		}, []string{"state"}),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObservePublished counts one publish that waited wait for the slot.
func (m *Metrics) ObservePublished(wait time.Duration, coverage float64) {
	if m == nil {
		return
	}
	m.Published.Inc()
	m.WaitSeconds.WithLabelValues("publisher").Observe(wait.Seconds())
	m.MaskCover.Set(coverage)
}

// ObserveConsumed counts one consumed mask.
func (m *Metrics) ObserveConsumed(coverage float64) {
	if m == nil {
		return
	}
	m.Consumed.Inc()
	m.MaskCover.Set(coverage)
}

// ObserveDumpDropped counts a mask the dump writer refused.
func (m *Metrics) ObserveDumpDropped() {
	if m == nil {
		return
	}
	m.DumpDropped.Inc()
}

// ObserveAttach counts a consumer attach.
func (m *Metrics) ObserveAttach() {
	if m == nil {
		return
	}
	m.Attaches.Inc()
}

// ObserveStale counts a transition into the stale state.
func (m *Metrics) ObserveStale() {
	if m == nil {
		return
	}
	m.Stale.Inc()
}

// SetLinkState marks state as current among states.
func (m *Metrics) SetLinkState(current string, states ...string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		m.LinkState.WithLabelValues(s).Set(v)
	}
}
