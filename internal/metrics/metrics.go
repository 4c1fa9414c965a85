// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts requests by method, route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfs_http_requests_total",
			Help: "HTTP requests handled, by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cfs_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// IngestTotal counts ingestion attempts by outcome ("stored" or the
	// rejection reason).
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfs_ingest_total",
			Help: "File ingestion attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// IngestBytes accumulates the size of stored files per category.
	IngestBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfs_ingest_bytes_total",
			Help: "Bytes placed into the permanent store, by category.",
		},
		[]string{"category"},
	)

	// LoginTotal counts login attempts by result.
	LoginTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfs_login_total",
			Help: "Login attempts by result.",
		},
		[]string{"result"},
	)
)
