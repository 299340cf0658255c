// Package metrics exposes Prometheus instrumentation for the HTTP
// gateway and the upload/download pipelines, using the teacher's own
// direct dependency on prometheus/client_golang.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/histogram the gateway records.
type Registry struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	UploadBytesTotal    *prometheus.CounterVec
	DownloadBytesTotal  *prometheus.CounterVec
	QuotaRejections     *prometheus.CounterVec
	FallbackAttempts    *prometheus.CounterVec
}

// New registers every metric against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kohakuhub_http_requests_total",
			Help: "Total HTTP requests handled, by method/route/status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kohakuhub_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		UploadBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kohakuhub_upload_bytes_total",
			Help: "Bytes committed through the upload pipeline, by mode.",
		}, []string{"mode"}),
		DownloadBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kohakuhub_download_bytes_total",
			Help: "Bytes served via resolve downloads.",
		}, []string{"repo_type"}),
		QuotaRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kohakuhub_quota_rejections_total",
			Help: "Requests rejected for exceeding a namespace quota.",
		}, []string{"namespace_kind"}),
		FallbackAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kohakuhub_fallback_attempts_total",
			Help: "Fallback try-chain attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry's metrics in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
