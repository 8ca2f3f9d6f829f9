// Package metrics defines custom Prometheus metrics for the tenant storage layer.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// HTTP connection pool metrics, sampled periodically from each pool.
var (
	// HTTPPoolSockets tracks sockets currently serving a request.
	HTTPPoolSockets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantstore_http_pool_sockets",
			Help: "Busy sockets in the HTTP connection pool",
		},
		[]string{"name", "region", "protocol"},
	)

	// HTTPPoolFreeSockets tracks idle keep-alive sockets.
	HTTPPoolFreeSockets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantstore_http_pool_free_sockets",
			Help: "Free sockets in the HTTP connection pool",
		},
		[]string{"name", "region", "protocol"},
	)

	// HTTPPoolPendingRequests tracks requests waiting for a socket.
	HTTPPoolPendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantstore_http_pool_pending_requests",
			Help: "Requests waiting for a socket in the HTTP connection pool",
		},
		[]string{"name", "region", "protocol"},
	)

	// HTTPPoolErrors tracks socket errors by type.
	HTTPPoolErrors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantstore_http_pool_errors",
			Help: "Socket errors in the HTTP connection pool",
		},
		[]string{"name", "region", "type", "protocol"},
	)
)

// Ops server metrics.
var (
	// HTTPRequestsTotal counts ops server requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantstore_http_requests_total",
			Help: "Ops server requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes ops server request latency in seconds.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenantstore_http_request_duration_seconds",
			Help:    "Ops server request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Backend and event metrics.
var (
	// BackendOperationsTotal counts storage backend operations by name and status.
	BackendOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantstore_backend_operations_total",
			Help: "Storage backend operations by type",
		},
		[]string{"operation", "status"},
	)

	// BackendOperationDuration observes backend operation latency in seconds.
	BackendOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenantstore_backend_operation_duration_seconds",
			Help:    "Storage backend operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// WebhooksTotal counts webhook submissions by event type and status.
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantstore_webhooks_total",
			Help: "Webhook submissions by event type",
		},
		[]string{"event", "status"},
	)

	// EventsDispatchedTotal counts dispatched events by type and status.
	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantstore_events_dispatched_total",
			Help: "Dispatched storage events by type",
		},
		[]string{"event", "status"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPPoolSockets,
			HTTPPoolFreeSockets,
			HTTPPoolPendingRequests,
			HTTPPoolErrors,
			BackendOperationsTotal,
			BackendOperationDuration,
			WebhooksTotal,
			EventsDispatchedTotal,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}

// ObserveBackendOperation records the outcome and latency of one backend call.
func ObserveBackendOperation(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	BackendOperationsTotal.WithLabelValues(operation, status).Inc()
	BackendOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// PoolStatus is a point-in-time view of one transport of a connection pool.
type PoolStatus struct {
	BusySockets     int64
	FreeSockets     int64
	PendingRequests int64
	SocketErrors    int64
	TimeoutErrors   int64
	ConnectErrors   int64
}

// SetPoolStatus publishes a pool sample under the given labels.
func SetPoolStatus(name, region, protocol string, s PoolStatus) {
	HTTPPoolSockets.WithLabelValues(name, region, protocol).Set(float64(s.BusySockets))
	HTTPPoolFreeSockets.WithLabelValues(name, region, protocol).Set(float64(s.FreeSockets))
	HTTPPoolPendingRequests.WithLabelValues(name, region, protocol).Set(float64(s.PendingRequests))
	HTTPPoolErrors.WithLabelValues(name, region, "socket_error", protocol).Set(float64(s.SocketErrors))
	HTTPPoolErrors.WithLabelValues(name, region, "timeout_socket_error", protocol).Set(float64(s.TimeoutErrors))
	HTTPPoolErrors.WithLabelValues(name, region, "create_socket_error", protocol).Set(float64(s.ConnectErrors))
}
