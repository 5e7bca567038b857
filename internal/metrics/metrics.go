// Package metrics registers the gateway's Prometheus instruments and serves
// them over /metrics via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nsite_cache_hits_total",
		Help: "Cache Store reads that found a live value, by namespace.",
	}, []string{"namespace"})

	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nsite_cache_misses_total",
		Help: "Cache Store reads that found no live value, by namespace.",
	}, []string{"namespace"})

	RelayQueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nsite_relay_query_duration_seconds",
		Help:    "Wall time of a single Relay Pool query.",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
	})

	BlobFetchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nsite_blob_fetch_outcomes_total",
		Help: "Blob Fetcher outcomes by result: hit, fetched, absent.",
	}, []string{"outcome"})

	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nsite_relay_pool_connections",
		Help: "Number of relay connections currently held open by the Relay Pool.",
	})

	InvalidationState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nsite_invalidation_subscriber_state",
		Help: "Invalidation Subscriber state: 0=disabled 1=connecting 2=live 3=degraded 4=closed.",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nsite_http_requests_total",
		Help: "Front-door HTTP responses by status class.",
	}, []string{"status_class"})
)

func init() {
	prometheus.MustRegister(
		CacheHits,
		CacheMisses,
		RelayQueryDuration,
		BlobFetchOutcomes,
		RelayConnections,
		InvalidationState,
		HTTPRequestsTotal,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
