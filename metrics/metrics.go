// Package metrics exposes the device's store and sync counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pickedge"

// Metrics holds the registry and every collector the device publishes.
type Metrics struct {
	Registry *prometheus.Registry

	// Drain outcomes
	Delivered  prometheus.Counter
	Superseded prometheus.Counter
	Failed     prometheus.Counter
	Stuck      prometheus.Counter
	Cleaned    prometheus.Counter

	// Store contents, refreshed on every stats read
	Snapshots  prometheus.Gauge
	Operations prometheus.Gauge
	Queued     prometheus.Gauge
	Unsynced   prometheus.Gauge

	// 1 while the local store is unavailable and the device runs online-only
	Offline prometheus.Gauge
}

// New creates a Metrics instance on its own registry, with Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "outbox", Name: name, Help: help})
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help})
	}

	return &Metrics{
		Registry:   reg,
		Delivered:  counter("delivered_total", "Confirmations delivered upstream"),
		Superseded: counter("superseded_total", "Entries acknowledged without transmission because a newer entry won"),
		Failed:     counter("failed_total", "Failed delivery attempts"),
		Stuck:      counter("stuck_total", "Entries that reached the retry limit"),
		Cleaned:    counter("cleaned_total", "Synced entries removed by cleanup"),
		Snapshots:  gauge("cache", "snapshots", "Zone snapshots held locally"),
		Operations: gauge("cache", "operations", "Operation records held locally"),
		Queued:     gauge("outbox", "queued", "Outbox entries held locally"),
		Unsynced:   gauge("outbox", "unsynced", "Outbox entries not yet acknowledged"),
		Offline:    gauge("store", "unavailable", "1 when the local store is unavailable"),
	}
}

// SetStats updates the content gauges.
func (m *Metrics) SetStats(snapshots, operations, queued, unsynced int) {
	m.Snapshots.Set(float64(snapshots))
	m.Operations.Set(float64(operations))
	m.Queued.Set(float64(queued))
	m.Unsynced.Set(float64(unsynced))
}

// SetOffline flags the store as unavailable.
func (m *Metrics) SetOffline(offline bool) {
	if offline {
		m.Offline.Set(1)
		return
	}
	m.Offline.Set(0)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
