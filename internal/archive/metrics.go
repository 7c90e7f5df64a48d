// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TouchHost Contributors

package archive

import "github.com/prometheus/client_golang/prometheus"

var (
	archiveResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "touchhost_archive_runs_total",
			Help: "Total number of archive runs by result",
		},
		[]string{"result"},
	)
	archivedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "touchhost_archive_bytes_total",
		Help: "Total number of file bytes written into archives",
	})
	quotaRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "touchhost_archive_quota_rejections_total",
		Help: "Total number of archives rejected by quota before writing",
	})
)

// RegisterMetrics registers archive metrics with the given Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(archiveResults)
	reg.MustRegister(archivedBytes)
	reg.MustRegister(quotaRejections)
}
