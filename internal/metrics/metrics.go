// Package metrics exposes Prometheus instrumentation for every stage of
// the indexing pipeline.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dbQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponder_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"component", "operation"},
	)

	dbQueryTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ponder_db_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component", "operation"},
	)

	dbErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponder_db_errors_total",
			Help: "Total number of database errors",
		},
		[]string{"component", "error_type"},
	)

	// LastIndexedBlock is the last block number whose events have been
	// fully dispatched to handlers, per chain.
	LastIndexedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ponder_last_indexed_block",
			Help: "The last block number successfully indexed",
		},
		[]string{"chain"},
	)

	// SafeCheckpoint tracks the merger's safe_checkpoint watermark per
	// chain, as a unix timestamp.
	SafeCheckpoint = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ponder_safe_checkpoint_timestamp",
			Help: "Safe checkpoint timestamp (min over chains of the highest emitted checkpoint)",
		},
		[]string{"chain"},
	)

	EventsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponder_events_indexed_total",
			Help: "Total number of events dispatched to handlers",
		},
		[]string{"chain", "source"},
	)

	BlockProcessingTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ponder_block_processing_duration_seconds",
			Help:    "Time taken to process a batch of blocks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	IndexingRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ponder_indexing_rate_blocks_per_second",
			Help: "Current indexing rate in blocks per second",
		},
		[]string{"chain"},
	)

	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponder_rpc_requests_total",
			Help: "Total number of RPC requests issued",
		},
		[]string{"chain", "method"},
	)

	RPCRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponder_rpc_retries_total",
			Help: "Total number of RPC retries",
		},
		[]string{"chain", "operation"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponder_cache_hits_total",
			Help: "Sync cache reads served from cached intervals",
		},
		[]string{"chain"},
	)

	ReorgDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ponder_reorg_depth_blocks",
			Help:    "Depth of detected reorgs, in blocks",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 65},
		},
		[]string{"chain"},
	)

	ReorgsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponder_reorgs_detected_total",
			Help: "Total number of reorgs detected",
		},
		[]string{"chain"},
	)

	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ponder_uptime_seconds",
			Help: "Process uptime in seconds",
		},
	)

	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ponder_errors_total",
			Help: "Total number of errors by component and severity",
		},
		[]string{"component", "severity"},
	)

	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ponder_component_health",
			Help: "Component health status (1=healthy, 0=unhealthy), per chain and component",
		},
		[]string{"chain", "component"},
	)

	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ponder_goroutines",
			Help: "Number of active goroutines",
		},
	)

	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ponder_memory_usage_bytes",
			Help: "Memory usage statistics",
		},
		[]string{"type"},
	)

	startTime = time.Now()
)

func DBQueryInc(component, operation string) {
	dbQueries.WithLabelValues(component, operation).Inc()
}

func DBQueryDuration(component, operation string, duration time.Duration) {
	dbQueryTime.WithLabelValues(component, operation).Observe(duration.Seconds())
}

func DBErrorsInc(component, errorType string) {
	dbErrors.WithLabelValues(component, errorType).Inc()
}

func BlockProcessingTimeLog(chain string, duration time.Duration) {
	BlockProcessingTime.WithLabelValues(chain).Observe(duration.Seconds())
}

func LastIndexedBlockSet(chain string, blockNum uint64) {
	LastIndexedBlock.WithLabelValues(chain).Set(float64(blockNum))
}

func EventsIndexedInc(chain, source string, count int) {
	EventsIndexed.WithLabelValues(chain, source).Add(float64(count))
}

func IndexingRateSet(chain string, rate float64) {
	IndexingRate.WithLabelValues(chain).Set(rate)
}

func RPCRequestInc(chain, method string) {
	RPCRequests.WithLabelValues(chain, method).Inc()
}

func RPCRetryInc(chain, operation string) {
	RPCRetries.WithLabelValues(chain, operation).Inc()
}

func ReorgDetected(chain string, depth uint64) {
	ReorgsDetected.WithLabelValues(chain).Inc()
	ReorgDepth.WithLabelValues(chain).Observe(float64(depth))
}

func ComponentHealthSet(chain, component string, healthy bool) {
	v := float64(1)
	if !healthy {
		v = 0
	}
	ComponentHealth.WithLabelValues(chain, component).Set(v)
}

// UpdateSystemMetrics updates runtime system metrics. Call periodically
// (e.g. every 15 seconds) from a background goroutine.
func UpdateSystemMetrics() {
	Uptime.Set(time.Since(startTime).Seconds())
	Goroutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("total_alloc").Set(float64(m.TotalAlloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}
