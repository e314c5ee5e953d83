// Package metrics provides Prometheus metrics for the reposync server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reposync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Authentication
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposync_auth_attempts_total",
			Help: "API authentication attempts",
		},
		[]string{"status"},
	)

	// Object cache store
	objectOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reposync_object_operation_duration_seconds",
			Help:    "Object cache store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	objectOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposync_object_operations_total",
			Help: "Total object cache store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	objectBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reposync_object_bytes_written_total",
			Help: "Total bytes written to the object cache store",
		},
	)

	// Remote repository API
	remoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reposync_remote_call_duration_seconds",
			Help:    "Remote repository API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	remoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposync_remote_calls_total",
			Help: "Total remote repository API calls",
		},
		[]string{"operation", "status"},
	)

	// Engine
	pushFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposync_push_files_total",
			Help: "Files processed by push, by outcome",
		},
		[]string{"outcome"},
	)

	treeSyncFiles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reposync_tree_sync_files_total",
			Help: "File rows upserted by tree sync",
		},
	)

	cacheReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposync_cache_reads_total",
			Help: "File reads by source (cache hit or remote fallback)",
		},
		[]string{"source"},
	)

	deletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposync_deletes_finalized_total",
			Help: "Pending deletes finalized or failed, by path (inline or sweep)",
		},
		[]string{"path", "status"},
	)

	compensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposync_compensations_total",
			Help: "Saga compensations executed, by status",
		},
		[]string{"status"},
	)

	// Outbox
	outboxEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposync_outbox_events_total",
			Help: "Outbox deliveries by status",
		},
		[]string{"kind", "status"},
	)

	outboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reposync_outbox_pending",
			Help: "Undelivered outbox events seen by the last drain",
		},
	)

	// Database
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reposync_db_query_duration_seconds",
			Help:    "Catalog query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reposync_db_connections_open",
			Help: "Number of open catalog connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAuthAttempt records an API authentication attempt.
func RecordAuthAttempt(success bool) {
	authAttemptsTotal.WithLabelValues(status(success)).Inc()
}

// RecordObjectOperation records an object store call.
func RecordObjectOperation(backend, operation string, duration time.Duration, success bool) {
	objectOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	objectOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordObjectBytesWritten adds to the written byte counter.
func RecordObjectBytesWritten(n int64) {
	objectBytesWritten.Add(float64(n))
}

// RecordRemoteCall records a remote repository API call.
func RecordRemoteCall(operation string, duration time.Duration, outcome string) {
	remoteCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
	remoteCallsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordPushFile records one file outcome of a push.
func RecordPushFile(outcome string) {
	pushFilesTotal.WithLabelValues(outcome).Inc()
}

// RecordTreeSync adds upserted rows from a tree sync.
func RecordTreeSync(files int) {
	treeSyncFiles.Add(float64(files))
}

// RecordCacheRead records whether a read was served from the cache.
func RecordCacheRead(hit bool) {
	source := "remote"
	if hit {
		source = "cache"
	}
	cacheReadsTotal.WithLabelValues(source).Inc()
}

// RecordDelete records a pending delete attempt; path is "inline" or "sweep".
func RecordDelete(path string, success bool) {
	deletesTotal.WithLabelValues(path, status(success)).Inc()
}

// RecordCompensation records a saga compensation.
func RecordCompensation(success bool) {
	compensationsTotal.WithLabelValues(status(success)).Inc()
}

// RecordOutboxDelivery records an outbox delivery attempt.
func RecordOutboxDelivery(kind string, outcome string) {
	outboxEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// SetOutboxPending sets the pending outbox gauge.
func SetOutboxPending(n int) {
	outboxPending.Set(float64(n))
}

// RecordDBQuery records a catalog query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open catalog connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// The route pattern is used as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
