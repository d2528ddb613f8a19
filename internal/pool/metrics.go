// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const warnThrottle = time.Minute

type metrics struct {
	size     prometheus.Gauge
	warnings *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "automatond",
			Subsystem: "pool",
			Name:      "size",
			Help:      "Current number of live per-user store handles held by the connection pool.",
		}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automatond",
			Subsystem: "pool",
			Name:      "capacity_warnings_total",
			Help:      "Capacity threshold crossings, partitioned by level (warning, critical, emergency).",
		}, []string{"level"}),
	}
}

// Describe implements prometheus.Collector.
func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.size.Describe(ch)
	m.warnings.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.size.Collect(ch)
	m.warnings.Collect(ch)
}

// emitCapacitySignal reports the 80/90/95% utilization thresholds, each
// throttled to at most once per minute.
func (p *Pool[H]) emitCapacitySignal(size int) {
	p.metrics.size.Set(float64(size))
	if p.opts.MaxSize <= 0 {
		return
	}
	utilization := float64(size) / float64(p.opts.MaxSize)

	level := ""
	switch {
	case utilization >= 0.95:
		level = "emergency"
	case utilization >= 0.90:
		level = "critical"
	case utilization >= 0.80:
		level = "warning"
	default:
		return
	}

	p.lastWarnMu.Lock()
	last, seen := p.lastWarnAt[level]
	now := time.Now()
	if seen && now.Sub(last) < warnThrottle {
		p.lastWarnMu.Unlock()
		return
	}
	p.lastWarnAt[level] = now
	p.lastWarnMu.Unlock()

	p.metrics.warnings.WithLabelValues(level).Inc()
	log.Warn().Str("level", level).Int("size", size).Int("max", p.opts.MaxSize).Msg("connection pool capacity threshold crossed")
}

// Collector exposes the pool's metrics for registration with a
// prometheus.Registerer.
func (p *Pool[H]) Collector() prometheus.Collector {
	return p.metrics
}
