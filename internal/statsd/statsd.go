// Package statsd exposes the proxy's operational counters as Prometheus
// metrics, following the registration idiom from the teacher's
// api/grpc/middleware/middleware.go (NewCounterVec/NewHistogramVec +
// MustRegister in init), adapted from gRPC method/code labels to the
// proxy's own worker-id/result-kind labels.
package statsd

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueriesTotal counts every query a resolver worker accepted from the
	// front-end dispatcher, labeled by outcome (answered, nxdomain,
	// servfail, formerr, blocked, cache-hit, forwarded, rate-limited,
	// slipped).
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdnsd_queries_total",
			Help: "Total queries processed, by outcome",
		},
		[]string{"worker", "outcome"},
	)

	// UpstreamDuration records TLS-session round-trip latency.
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fdnsd_upstream_duration_seconds",
			Help:    "DoH upstream round-trip latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	// CacheSize reports each worker's current cache entry count.
	CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fdnsd_cache_entries",
			Help: "Current number of cached entries",
		},
		[]string{"worker"},
	)

	// TLSReopens counts how often a worker found its TLS session closed
	// (never opened yet, or torn down by a handshake or I/O failure) and
	// attempted to open it.
	TLSReopens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdnsd_tls_reopens_total",
			Help: "Total TLS session reopen attempts",
		},
		[]string{"worker"},
	)
)

func init() {
	prometheus.MustRegister(QueriesTotal, UpstreamDuration, CacheSize, TLSReopens)
}

// Handler returns the HTTP handler to mount at the metrics listen address.
func Handler() http.Handler {
	return promhttp.Handler()
}
