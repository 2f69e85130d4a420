// Package metrics provides Prometheus metrics for the image viewer daemon.
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
			Name: "imageviewer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imageviewer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Loader metrics
	metadataLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageviewer_metadata_loads_total",
			Help: "Metadata loads by outcome (loaded, failed, discarded)",
		},
		[]string{"outcome"},
	)

	metadataLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imageviewer_metadata_load_duration_seconds",
			Help:    "Time spent reading a single image's metadata",
			Buckets: prometheus.DefBuckets,
		},
	)

	loadQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imageviewer_load_queue_depth",
			Help: "Pending metadata loads waiting for a worker",
		},
	)

	// Memory manager metrics
	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imageviewer_cache_bytes",
			Help: "Approximate cost of all resident metadata entries",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imageviewer_cache_entries",
			Help: "Number of resident metadata entries across all tabs",
		},
	)

	evictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imageviewer_cache_evictions_total",
			Help: "Entries evicted under memory pressure",
		},
	)

	// Persistent cache metrics
	persistentCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageviewer_persistent_cache_lookups_total",
			Help: "SQLite metadata cache lookups by result",
		},
		[]string{"result"},
	)

	// Tab and session metrics
	openTabs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imageviewer_open_tabs",
			Help: "Number of open tabs",
		},
	)

	sessionOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageviewer_session_operations_total",
			Help: "Session save/load operations",
		},
		[]string{"operation", "status"},
	)

	sessionTabsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imageviewer_session_tabs_skipped_total",
			Help: "Tabs dropped during restore because their image is gone",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imageviewer_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageviewer_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordLoad records the outcome of one metadata load.
func RecordLoad(outcome string, duration time.Duration) {
	metadataLoadsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		metadataLoadDuration.Observe(duration.Seconds())
	}
}

func SetQueueDepth(n int) {
	loadQueueDepth.Set(float64(n))
}

// SetCacheUsage publishes the memory manager's accounting.
func SetCacheUsage(bytes int64, entries int) {
	cacheBytes.Set(float64(bytes))
	cacheEntries.Set(float64(entries))
}

func RecordEviction() {
	evictionsTotal.Inc()
}

// RecordPersistentLookup records a SQLite cache hit or miss.
func RecordPersistentLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	persistentCacheLookups.WithLabelValues(result).Inc()
}

func SetOpenTabs(n int) {
	openTabs.Set(float64(n))
}

// RecordSessionOp records a session save or load.
func RecordSessionOp(operation string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	sessionOpsTotal.WithLabelValues(operation, status).Inc()
}

func RecordSessionSkipped(n int) {
	sessionTabsSkipped.Add(float64(n))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}
