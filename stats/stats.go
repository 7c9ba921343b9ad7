// Package stats centralizes the worker's prometheus registry, mirroring
// weed/stats's single package-level registry that every subsystem
// registers its collectors with, via github.com/prometheus/client_golang.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the worker process's metrics registry. Subsystems
// (memtracker.Tracker, congestion.Controller) are prometheus.Collector
// implementations registered here at startup.
var Registry = prometheus.NewRegistry()

var (
	PushRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rss", Subsystem: "push", Name: "requests_total",
		Help: "total PushData requests handled, by status",
	}, []string{"status"})

	FetchStreamsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rss", Subsystem: "fetch", Name: "streams_opened_total",
		Help: "total OpenStream requests served",
	})

	FlushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rss", Subsystem: "diskflusher", Name: "flush_duration_seconds",
		Help:    "per-mount flush latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"mount"})
)

func init() {
	Registry.MustRegister(PushRequestsTotal, FetchStreamsOpened, FlushDuration)
}

// Handler returns the HTTP handler serving the registry in Prometheus
// exposition format, mounted at /metrics by cmd/worker.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
