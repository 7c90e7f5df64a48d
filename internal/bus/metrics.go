// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package bus

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touchhost_bus_calls_total",
			Help: "Bus calls by channel and result",
		},
		[]string{"channel", "result"},
	)

	inflightCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "touchhost_bus_inflight_calls",
			Help: "Calls awaiting a reply",
		},
	)

	lateReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "touchhost_bus_late_replies_total",
			Help: "Replies dropped because their call had already finished",
		},
	)

	laneDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "touchhost_bus_lane_depth",
			Help:    "Messages queued on a channel when a new one arrives",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "touchhost_bus_socket_connections",
			Help: "Open bus socket connections",
		},
	)

	invalidFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "touchhost_bus_invalid_frames_total",
			Help: "Stream frames rejected by envelope validation",
		},
	)
)

func recordCall(channel, result string) {
	callsTotal.WithLabelValues(channel, result).Inc()
}

// RegisterMetrics registers the bus collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(callsTotal)
	reg.MustRegister(inflightCalls)
	reg.MustRegister(lateReplies)
	reg.MustRegister(laneDepth)
	reg.MustRegister(connections)
	reg.MustRegister(invalidFrames)
}
