// Package metrics provides Prometheus instrumentation for variantz.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only variantz metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by variantz.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	GRPCRequestsTotal       *prometheus.CounterVec
	GRPCRequestDuration     *prometheus.HistogramVec
	ResolutionsTotal        *prometheus.CounterVec
	ExposuresTotal          *prometheus.CounterVec
	EvaluationFailuresTotal prometheus.Counter
	SnapshotRefreshesTotal  *prometheus.CounterVec
	SnapshotSize            *prometheus.GaugeVec
	FetchDuration           *prometheus.HistogramVec
	AuthFailuresTotal       prometheus.Counter
}

// New creates and registers all variantz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"route", "method", "code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "variantz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "variantz_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_variant_resolutions_total",
			Help: "Total number of variant lookups by the source that answered them.",
		}, []string{"provenance"}),

		ExposuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_exposures_total",
			Help: "Total number of exposures reported.",
		}, []string{"flag_key"}),

		EvaluationFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "variantz_evaluation_failures_total",
			Help: "Total number of local evaluations abandoned because of a dependency cycle.",
		}),

		SnapshotRefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_snapshot_refreshes_total",
			Help: "Total number of flag or variant snapshot replacements.",
		}, []string{"kind"}),

		SnapshotSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "variantz_snapshot_size",
			Help: "Number of entries in the current flag or variant snapshot.",
		}, []string{"kind"}),

		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "variantz_fetch_duration_seconds",
			Help:    "Remote fetch latency in seconds, including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "result"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "variantz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.ResolutionsTotal,
		m.ExposuresTotal,
		m.EvaluationFailuresTotal,
		m.SnapshotRefreshesTotal,
		m.SnapshotSize,
		m.FetchDuration,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// InstrumentHTTP records request count and latency for next under the given
// route label.
func (m *Metrics) InstrumentHTTP(route string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerCounter(
		m.HTTPRequestsTotal.MustCurryWith(labels),
		promhttp.InstrumentHandlerDuration(m.HTTPRequestDuration.MustCurryWith(labels), next),
	)
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

func (m *Metrics) RecordResolution(provenance string) {
	if provenance == "" {
		provenance = "none"
	}
	m.ResolutionsTotal.WithLabelValues(provenance).Inc()
}

func (m *Metrics) RecordExposure(flagKey string) {
	m.ExposuresTotal.WithLabelValues(flagKey).Inc()
}

func (m *Metrics) RecordEvaluationFailure() {
	m.EvaluationFailuresTotal.Inc()
}

// RecordSnapshot counts a snapshot replacement and updates its size gauge.
func (m *Metrics) RecordSnapshot(kind string, size int) {
	m.SnapshotRefreshesTotal.WithLabelValues(kind).Inc()
	m.SnapshotSize.WithLabelValues(kind).Set(float64(size))
}

// ObserveFetch records the latency of a remote fetch.
func (m *Metrics) ObserveFetch(kind string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.FetchDuration.WithLabelValues(kind, result).Observe(duration.Seconds())
}

// IncAuthFailures increments the auth failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}
