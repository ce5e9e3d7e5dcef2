// Package metrics exposes the engine's Prometheus metrics, scrapeable on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xaudit"

var (
	// AuditsSubmittedTotal counts accepted audit submissions.
	AuditsSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audits_submitted_total",
			Help:      "Total number of accepted audit submissions.",
		},
	)

	// AuditsTerminalTotal counts finished audits by terminal status.
	AuditsTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audits_terminal_total",
			Help:      "Total number of audits reaching a terminal status.",
		},
		[]string{"status"},
	)

	// AuditsRunning is the number of audits currently executing.
	AuditsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audits_running",
			Help:      "Number of audits currently executing.",
		},
	)

	// EventsEmittedTotal counts pipeline events by kind.
	EventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Total number of events emitted through the pipeline.",
		},
		[]string{"kind"},
	)

	// ToolCallDurationSeconds is the tool execution latency histogram.
	ToolCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2.5, 10),
		},
		[]string{"tool"},
	)

	// StreamConnectionsActive is the number of live event subscribers.
	StreamConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connections_active",
			Help:      "Number of active live event stream connections.",
		},
	)
)
