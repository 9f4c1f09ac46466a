// Package metrics exposes kubefs' Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally:
//
//	m := metrics.New(prometheus.NewRegistry())
//	adapter := adapter.New(tree, renderer, adapter.Options{Metrics: m})
//
//	// Without metrics
//	adapter := adapter.New(tree, renderer, adapter.Options{})
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector kubefs records into.
type Metrics struct {
	gatherer prometheus.Gatherer

	callbacks       *prometheus.CounterVec
	callbackSeconds *prometheus.HistogramVec
	fetches         *prometheus.CounterVec
	fetchSeconds    *prometheus.HistogramVec
	renders         *prometheus.CounterVec
	renderErrors    *prometheus.CounterVec
	snapshotNodes   prometheus.Gauge
	snapshotWarns   prometheus.Gauge
}

// New registers kubefs collectors with reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		callbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kubefs_callbacks_total",
				Help: "Filesystem callbacks served, by operation and errno",
			},
			[]string{"op", "errno"},
		),
		callbackSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kubefs_callback_duration_seconds",
				Help:    "Filesystem callback latency by operation",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"op"},
		),
		fetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kubefs_fetches_total",
				Help: "Remote list calls made while building the snapshot, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		fetchSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kubefs_fetch_duration_seconds",
				Help:    "Remote list latency by kind",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		renders: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kubefs_render_requests_total",
				Help: "Content requests by node kind and cache result",
			},
			[]string{"node", "cache"},
		),
		renderErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kubefs_render_errors_total",
				Help: "Nodes whose content degraded to an error marker",
			},
			[]string{"node"},
		),
		snapshotNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "kubefs_snapshot_nodes",
			Help: "Nodes in the mounted snapshot",
		}),
		snapshotWarns: f.NewGauge(prometheus.GaugeOpts{
			Name: "kubefs_snapshot_warnings",
			Help: "Partial fetch failures recorded while building the snapshot",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveCallback records one filesystem callback. errno is "" on success.
func (m *Metrics) ObserveCallback(op, errno string, d time.Duration) {
	if m == nil {
		return
	}
	if errno == "" {
		errno = "OK"
	}
	m.callbacks.WithLabelValues(op, errno).Inc()
	m.callbackSeconds.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveFetch records one remote list call.
func (m *Metrics) ObserveFetch(kind string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.fetches.WithLabelValues(kind, outcome).Inc()
	m.fetchSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordRender records a content request and whether it hit the cache.
func (m *Metrics) RecordRender(node string, hit bool) {
	if m == nil {
		return
	}
	cache := "miss"
	if hit {
		cache = "hit"
	}
	m.renders.WithLabelValues(node, cache).Inc()
}

// RecordRenderError records a node rendered as an error marker.
func (m *Metrics) RecordRenderError(node string) {
	if m == nil {
		return
	}
	m.renderErrors.WithLabelValues(node).Inc()
}

// SetSnapshot publishes the size of the mounted snapshot.
func (m *Metrics) SetSnapshot(nodes, warnings int) {
	if m == nil {
		return
	}
	m.snapshotNodes.Set(float64(nodes))
	m.snapshotWarns.Set(float64(warnings))
}
