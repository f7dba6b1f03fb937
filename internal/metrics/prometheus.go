package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the yield tracker
type PrometheusMetrics struct {
	// Rebase detection
	RebasesDetectedTotal *prometheus.CounterVec
	RebasesStoredTotal   prometheus.Counter
	DetectionErrorsTotal *prometheus.CounterVec
	CreditsPerToken      prometheus.Gauge
	CurrentAPY           prometheus.Gauge
	LatestRebaseBlock    prometheus.Gauge

	// Snapshots and tracking
	SnapshotSweepsTotal   *prometheus.CounterVec
	SnapshotsTotal        *prometheus.CounterVec
	SnapshotSweepDuration prometheus.Histogram
	TrackedAddresses      prometheus.Gauge
	PaymentsTrackedTotal  prometheus.Counter

	// Connection
	ConnectionErrorsTotal *prometheus.CounterVec
	RPCRequestsTotal      *prometheus.CounterVec
	RPCRequestDuration    *prometheus.HistogramVec

	// Storage
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// Cache and notifications
	CacheRequestsTotal     *prometheus.CounterVec
	NotificationsSentTotal *prometheus.CounterVec

	// API
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)

	return &PrometheusMetrics{
		RebasesDetectedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_tracker_rebases_detected_total",
				Help: "Rebase detections by source (live, backfill, poll)",
			},
			[]string{"source"},
		),
		RebasesStoredTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "yield_tracker_rebases_stored_total",
				Help: "Rebase events inserted for the first time",
			},
		),
		DetectionErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_tracker_detection_errors_total",
				Help: "Errors raised while detecting rebases",
			},
			[]string{"stage"},
		),
		CreditsPerToken: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "yield_tracker_credits_per_token",
				Help: "Last observed rebasing credits per token (scaled by 1e18)",
			},
		),
		CurrentAPY: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "yield_tracker_current_apy_percent",
				Help: "Current APY derived from the 7 day rebase window",
			},
		),
		LatestRebaseBlock: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "yield_tracker_latest_rebase_block",
				Help: "Block number of the latest detected rebase",
			},
		),

		SnapshotSweepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_tracker_snapshot_sweeps_total",
				Help: "Snapshot sweeps by trigger",
			},
			[]string{"trigger"},
		),
		SnapshotsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_tracker_snapshots_total",
				Help: "Per-address yield snapshots by status",
			},
			[]string{"status"},
		),
		SnapshotSweepDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "yield_tracker_snapshot_sweep_duration_seconds",
				Help:    "Duration of a full snapshot sweep",
				Buckets: prometheus.DefBuckets,
			},
		),
		TrackedAddresses: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "yield_tracker_tracked_addresses",
				Help: "Addresses with at least one tracked payment",
			},
		),
		PaymentsTrackedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "yield_tracker_payments_tracked_total",
				Help: "Payments registered for yield tracking",
			},
		),

		ConnectionErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_tracker_connection_errors_total",
				Help: "Connection errors to Arbitrum RPC nodes",
			},
			[]string{"endpoint", "error_type"},
		),
		RPCRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_tracker_rpc_requests_total",
				Help: "RPC requests made to Arbitrum RPC nodes",
			},
			[]string{"method", "status"},
		),
		RPCRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "yield_tracker_rpc_request_duration_seconds",
				Help:    "Duration of RPC requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		DatabaseOperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_tracker_database_operations_total",
				Help: "Database operations",
			},
			[]string{"operation", "table", "status"},
		),
		DatabaseOperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "yield_tracker_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		CacheRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_tracker_cache_requests_total",
				Help: "Cache lookups by key and result",
			},
			[]string{"key", "result"},
		),
		NotificationsSentTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_tracker_notifications_sent_total",
				Help: "Rebase webhook deliveries by status",
			},
			[]string{"status"},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_tracker_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "yield_tracker_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		ApplicationUptime: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "yield_tracker_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),
		ComponentHealth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "yield_tracker_component_health",
				Help: "Health of components (1 = healthy, 0 = unhealthy)",
			},
			[]string{"component"},
		),
		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "yield_tracker_memory_usage_bytes",
				Help: "Allocated heap bytes",
			},
		),
		GoroutineCount: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "yield_tracker_goroutines",
				Help: "Number of running goroutines",
			},
		),
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordRebaseDetected records a detection and whether it produced a new row
func (pm *PrometheusMetrics) RecordRebaseDetected(source string, inserted bool, blockNumber uint64) {
	pm.RebasesDetectedTotal.WithLabelValues(source).Inc()
	if inserted {
		pm.RebasesStoredTotal.Inc()
		pm.LatestRebaseBlock.Set(float64(blockNumber))
	}
}

// RecordDetectionError records a failed backfill, poll or subscription step
func (pm *PrometheusMetrics) RecordDetectionError(stage string) {
	pm.DetectionErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordSnapshotSweep records a completed sweep
func (pm *PrometheusMetrics) RecordSnapshotSweep(trigger string, ok, failed int, duration time.Duration) {
	pm.SnapshotSweepsTotal.WithLabelValues(trigger).Inc()
	pm.SnapshotsTotal.WithLabelValues("success").Add(float64(ok))
	pm.SnapshotsTotal.WithLabelValues("error").Add(float64(failed))
	pm.SnapshotSweepDuration.Observe(duration.Seconds())
	pm.TrackedAddresses.Set(float64(ok + failed))
}

// RecordRPCRequest records an RPC request
func (pm *PrometheusMetrics) RecordRPCRequest(method string, err error, duration time.Duration) {
	pm.RPCRequestsTotal.WithLabelValues(method, statusLabel(err)).Inc()
	pm.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordConnectionError records a connection error
func (pm *PrometheusMetrics) RecordConnectionError(endpoint, errorType string) {
	pm.ConnectionErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

// RecordDatabaseOperation records a database operation
func (pm *PrometheusMetrics) RecordDatabaseOperation(operation, table string, err error, duration time.Duration) {
	pm.DatabaseOperationsTotal.WithLabelValues(operation, table, statusLabel(err)).Inc()
	pm.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss
func (pm *PrometheusMetrics) RecordCacheLookup(key string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	pm.CacheRequestsTotal.WithLabelValues(key, result).Inc()
}

// RecordNotification records a webhook delivery
func (pm *PrometheusMetrics) RecordNotification(err error) {
	pm.NotificationsSentTotal.WithLabelValues(statusLabel(err)).Inc()
}

// RecordHTTPRequest records an HTTP request
func (pm *PrometheusMetrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	pm.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	pm.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// UpdateComponentHealth updates component health status
func (pm *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	pm.ComponentHealth.WithLabelValues(component).Set(value)
}
