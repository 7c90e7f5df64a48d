// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touchhost_plugin_transitions_total",
			Help: "Plugin status transitions by target status",
		},
		[]string{"status"},
	)

	activePlugins = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "touchhost_plugin_active",
			Help: "Number of plugins in the ACTIVE state",
		},
	)

	reapedProcesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touchhost_plugin_reaped_processes_total",
			Help: "Declared plugin processes reaped on disable by outcome",
		},
		[]string{"outcome"},
	)
)

// RegisterMetrics registers the lifecycle collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(transitionsTotal)
	reg.MustRegister(activePlugins)
	reg.MustRegister(reapedProcesses)
}
