// Package metrics exposes the service's prometheus collectors. Counters are
// incremented exactly once per admission outcome and per terminal build
// transition; the long-term aggregates live in the stats_events table.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission outcome labels for RequestsTotal.
const (
	OutcomeCacheHit = "cache_hit"
	OutcomeQueued   = "queued"
	OutcomeInFlight = "in_flight"
	OutcomeInvalid  = "invalid"
	OutcomeRejected = "rejected"
)

// Metrics bundles the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal *prometheus.CounterVec
	BuildsTotal   *prometheus.CounterVec
	BuildDuration prometheus.Histogram
}

// New creates the collectors. queueLength, when non-nil, backs a gauge that
// is sampled at scrape time.
func New(queueLength func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asu_requests_total",
			Help: "Build submissions by admission outcome.",
		}, []string{"outcome"}),
		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asu_builds_total",
			Help: "Finished builds by terminal status.",
		}, []string{"status"}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "asu_build_duration_seconds",
			Help:    "Wall-clock duration of completed builds.",
			Buckets: prometheus.ExponentialBuckets(15, 2, 10),
		}),
	}

	m.registry.MustRegister(m.RequestsTotal, m.BuildsTotal, m.BuildDuration)
	if queueLength != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "asu_queue_length",
			Help: "Jobs currently pending.",
		}, queueLength))
	}
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
