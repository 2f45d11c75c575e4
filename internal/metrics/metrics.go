// Package metrics exposes Prometheus collectors for the cache, the action
// queue, connectivity and sync passes.
//
// A nil *Metrics is valid and records nothing, so components take metrics
// as an optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one engine instance.
type Metrics struct {
	PassTotal       *prometheus.CounterVec
	PassDuration    prometheus.Histogram
	DeliveryTotal   *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	CacheBytes      prometheus.Gauge
	CacheEntries    prometheus.Gauge
	EvictionTotal   *prometheus.CounterVec
	Online          prometheus.Gauge
	TransitionTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg uses a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		PassTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_sync_pass_total",
			Help: "Sync passes by final state",
		}, []string{"state"}),

		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "offsync_sync_pass_duration_seconds",
			Help:    "Wall time of sync passes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2.0, 16),
		}),

		DeliveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_delivery_total",
			Help: "Delivery attempts by outcome",
		}, []string{"outcome"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "offsync_queue_actions",
			Help: "Queued actions by status",
		}, []string{"status"}),

		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offsync_cache_bytes",
			Help: "Bytes held by the cache",
		}),

		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offsync_cache_entries",
			Help: "Entries held by the cache",
		}),

		EvictionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_cache_eviction_total",
			Help: "Cache evictions by reason",
		}, []string{"reason"}),

		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offsync_connectivity_online",
			Help: "1 when the remote is reachable",
		}),

		TransitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offsync_connectivity_transition_total",
			Help: "Connectivity transitions by target state",
		}, []string{"to"}),
	}

	reg.MustRegister(
		m.PassTotal,
		m.PassDuration,
		m.DeliveryTotal,
		m.QueueDepth,
		m.CacheBytes,
		m.CacheEntries,
		m.EvictionTotal,
		m.Online,
		m.TransitionTotal,
	)
	return m
}

// ObservePass records a finished sync pass.
func (m *Metrics) ObservePass(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.PassTotal.WithLabelValues(state).Inc()
	m.PassDuration.Observe(d.Seconds())
}

// IncDelivery records one delivery attempt.
func (m *Metrics) IncDelivery(outcome string) {
	if m == nil {
		return
	}
	m.DeliveryTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth replaces the per-status queue gauges.
func (m *Metrics) SetQueueDepth(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// SetCacheUsage records current cache consumption.
func (m *Metrics) SetCacheUsage(bytes, entries int64) {
	if m == nil {
		return
	}
	m.CacheBytes.Set(float64(bytes))
	m.CacheEntries.Set(float64(entries))
}

// IncEviction records one cache eviction.
func (m *Metrics) IncEviction(reason string) {
	if m == nil {
		return
	}
	m.EvictionTotal.WithLabelValues(reason).Inc()
}

// SetOnline records a connectivity transition.
func (m *Metrics) SetOnline(to string, online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.Online.Set(v)
	m.TransitionTotal.WithLabelValues(to).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
