// Package metrics provides Prometheus instrumentation for flagsync.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flagsync metrics appear on the /metrics endpoint.
// [Metrics] implements the recorder interfaces of the cache, synchronizer and
// reporter packages.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by flagsync.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	AuthFailuresTotal   prometheus.Counter

	CachedContexts    prometheus.Gauge
	StaleRejections   prometheus.Counter
	PersistenceErrors *prometheus.CounterVec
	Evictions         prometheus.Counter

	SyncState       *prometheus.GaugeVec
	SyncUpdates     *prometheus.CounterVec
	TransportErrors *prometheus.CounterVec
	ModeSwitches    prometheus.Counter
	RetryDelay      prometheus.Histogram

	EventsDropped   *prometheus.CounterVec
	EventsDelivered prometheus.Counter
	EventQueueDepth prometheus.Gauge
}

var syncStates = []string{"idle", "streaming", "polling", "backoff", "stopped"}

// New creates and registers all flagsync metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_http_requests_total",
			Help: "Total number of agent HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagsync_http_request_duration_seconds",
			Help:    "Agent HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_grpc_client_requests_total",
			Help: "Total number of gRPC calls made to the flag service.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagsync_grpc_client_request_duration_seconds",
			Help:    "gRPC call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagsync_auth_failures_total",
			Help: "Total number of failed agent authentication attempts.",
		}),

		CachedContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagsync_cache_contexts",
			Help: "Number of user contexts held in the in-memory cache.",
		}),

		StaleRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagsync_cache_stale_rejections_total",
			Help: "Total number of flag updates discarded for an old version.",
		}),

		PersistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_cache_persistence_errors_total",
			Help: "Total number of failed cache store operations.",
		}, []string{"op"}),

		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagsync_cache_evictions_total",
			Help: "Total number of contexts evicted from the cache.",
		}),

		SyncState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flagsync_sync_state",
			Help: "Current synchronizer state (1 for the active state).",
		}, []string{"state"}),

		SyncUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_sync_updates_total",
			Help: "Total number of updates received from the flag service.",
		}, []string{"kind"}),

		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_transport_errors_total",
			Help: "Total number of failed poll or stream attempts.",
		}, []string{"mode"}),

		ModeSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagsync_sync_mode_switches_total",
			Help: "Total number of runtime switches between streaming and polling.",
		}),

		RetryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flagsync_sync_retry_delay_seconds",
			Help:    "Backoff delay chosen after a failed sync attempt.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),

		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_events_dropped_total",
			Help: "Total number of usage events dropped.",
		}, []string{"reason"}),

		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagsync_events_delivered_total",
			Help: "Total number of usage events acknowledged by the flag service.",
		}),

		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagsync_event_queue_depth",
			Help: "Number of usage events waiting to be flushed.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.AuthFailuresTotal,
		m.CachedContexts,
		m.StaleRejections,
		m.PersistenceErrors,
		m.Evictions,
		m.SyncState,
		m.SyncUpdates,
		m.TransportErrors,
		m.ModeSwitches,
		m.RetryDelay,
		m.EventsDropped,
		m.EventsDelivered,
		m.EventQueueDepth,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one agent HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// IncAuthFailures increments the auth failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// UnaryClientInterceptor returns a gRPC unary client interceptor that records
// call count and latency for each method.
func (m *Metrics) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		m.observeGRPC(method, err, time.Since(start))
		return err
	}
}

// StreamClientInterceptor returns a gRPC stream client interceptor that
// records how long opening each stream took.
func (m *Metrics) StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		start := time.Now()
		cs, err := streamer(ctx, desc, cc, method, opts...)
		m.observeGRPC(method, err, time.Since(start))
		return cs, err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, d time.Duration) {
	method := path.Base(fullMethod)
	code := status.Code(err).String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(d.Seconds())
}

// cache.Recorder

func (m *Metrics) IncStaleRejections() {
	m.StaleRejections.Inc()
}

func (m *Metrics) IncPersistenceErrors(op string) {
	m.PersistenceErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncEvictions() {
	m.Evictions.Inc()
}

func (m *Metrics) SetCachedContexts(n int) {
	m.CachedContexts.Set(float64(n))
}

// synchronizer.Recorder

func (m *Metrics) IncTransportErrors(mode string) {
	m.TransportErrors.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncSyncUpdates(kind string) {
	m.SyncUpdates.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncModeSwitches() {
	m.ModeSwitches.Inc()
}

func (m *Metrics) ObserveRetryDelay(d time.Duration) {
	m.RetryDelay.Observe(d.Seconds())
}

// SetSyncState sets the gauge for state to 1 and every other state to 0.
func (m *Metrics) SetSyncState(state string) {
	for _, s := range syncStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SyncState.WithLabelValues(s).Set(v)
	}
}

// reporter.Recorder

func (m *Metrics) IncEventsDropped(reason string, n int) {
	m.EventsDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) AddEventsDelivered(n int) {
	m.EventsDelivered.Add(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	m.EventQueueDepth.Set(float64(n))
}
