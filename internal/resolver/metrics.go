// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
)

var installsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "touchhost_plugin_installs_total",
		Help: "Container installs by result code",
	},
	[]string{"result"},
)

// RegisterMetrics registers the resolver collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(installsTotal)
}
