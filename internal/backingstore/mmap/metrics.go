// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package mmap

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "bsmmap"
	metricsSubsystem = "mmap"
)

// Metrics accounts mappings created and released by the store. Every
// successful Submit of a mapped command increments mappings_active and the
// matching Done decrements it, so the gauge is the number of mappings
// currently owned by commands.
type Metrics struct {
	maps          prometheus.Counter
	mapFailures   prometheus.Counter
	unmaps        prometheus.Counter
	unmapFailures prometheus.Counter
	flushes       prometheus.Counter
	flushFailures prometheus.Counter
	external      prometheus.Counter

	active      prometheus.Gauge
	mappedBytes prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the store metrics and registers them with registry. With
// a nil registry the metrics are created but not registered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		maps:          newCounter("maps_total", "Total number of mappings created for commands"),
		mapFailures:   newCounter("map_failures_total", "Total number of failed mapping attempts"),
		unmaps:        newCounter("unmaps_total", "Total number of mappings released"),
		unmapFailures: newCounter("unmap_failures_total", "Total number of mappings whose release failed"),
		flushes:       newCounter("flushes_total", "Total number of cache synchronizations"),
		flushFailures: newCounter("flush_failures_total", "Total number of failed cache synchronizations"),
		external:      newCounter("external_buffers_total", "Total number of commands served from a caller supplied buffer"),
		active:        newGauge("mappings_active", "Number of mappings currently owned by commands"),
		mappedBytes:   newGauge("mapped_bytes", "Bytes currently mapped for commands"),
	}

	if registry != nil {
		registry.MustRegister(
			m.maps, m.mapFailures, m.unmaps, m.unmapFailures,
			m.flushes, m.flushFailures, m.external,
			m.active, m.mappedBytes,
		)
	}

	return m
}

func (m *Metrics) mapped(length int) {
	m.maps.Inc()
	m.active.Inc()
	m.mappedBytes.Add(float64(length))
}

func (m *Metrics) unmapped(length int) {
	m.unmaps.Inc()
	m.active.Dec()
	m.mappedBytes.Sub(float64(length))
}

func (m *Metrics) flushed(err error) {
	m.flushes.Inc()
	if err != nil {
		m.flushFailures.Inc()
	}
}
