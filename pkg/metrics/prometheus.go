// Package metrics provides Prometheus metrics for the pbengine service.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultRefreshInterval = 10 * time.Second
)

// Outcome labels shared by the pipeline counters.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeBuilt   = "built"
	OutcomeAbsent  = "absent"
	OutcomeNoop    = "noop"
	OutcomePartial = "partial"
)

// Manager owns every Prometheus collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	registry         prometheus.Registerer

	// Pipeline
	pipelineRuns       *prometheus.CounterVec
	pipelineDuration   prometheus.Histogram
	pbBuilds           *prometheus.CounterVec
	buildLatency       prometheus.Histogram
	persistItems       *prometheus.CounterVec
	persistLatency     prometheus.Histogram
	rankRecomputes     *prometheus.CounterVec
	recomputeLatency   prometheus.Histogram
	rankPendingWindow  prometheus.Gauge
	rankedDocsPerChart prometheus.Histogram

	// Import intake
	importsEnqueued  prometheus.Counter
	importsDuplicate prometheus.Counter
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	workerCount      prometheus.Gauge

	// Store
	storeOpLatency  *prometheus.HistogramVec
	storedDocuments *prometheus.GaugeVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorsByComponent *prometheus.CounterVec
}

type global struct {
	manager  *Manager
	registry *prometheus.Registry
}

var current atomic.Pointer[global] //nolint:gochecknoglobals // singleton metrics manager

func init() { //nolint:gochecknoinits // global metrics setup
	Configure()
}

// Configure replaces the global manager with one built from opts. Its
// collectors live on a fresh registry, which GetRegistry then returns, so
// the defaults can be swapped for configured buckets or disabled at startup.
func Configure(opts ...Option) {
	// Default Go collectors stay out of the custom registry.
	registry := prometheus.NewRegistry()
	m := NewManager(append(opts[:len(opts):len(opts)], WithPrometheusRegistry(registry))...)
	current.Store(&global{manager: m, registry: registry})
}

// Enabled reports whether the global manager records anything.
func Enabled() bool {
	return current.Load().manager.enabled
}

// RefreshInterval is how often gauge metrics should be refreshed.
func RefreshInterval() time.Duration {
	return current.Load().manager.refreshInterval
}

// active returns the global manager, or nil when recording is disabled.
func active() *Manager {
	m := current.Load().manager
	if !m.enabled {
		return nil
	}
	return m
}

// NewManager creates a new metrics manager registered on the configured registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "pbengine",
		subsystem:        "pb",
		histogramBuckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	auto := promauto.With(m.registry)

	m.pipelineRuns = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "pipeline_runs_total",
		Help:      "Pipeline runs by outcome",
	}, []string{"outcome"})

	m.pipelineDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "pipeline_duration_milliseconds",
		Help:      "End-to-end pipeline run duration in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	m.pbBuilds = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "builds_total",
		Help:      "PB builder invocations by outcome (built, absent, failed)",
	}, []string{"outcome"})

	m.buildLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "build_latency_milliseconds",
		Help:      "Latency of a single PB build in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	m.persistItems = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "persist_items_total",
		Help:      "Bulk upsert items by outcome",
	}, []string{"outcome"})

	m.persistLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "persist_latency_milliseconds",
		Help:      "Latency of the bulk upsert in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	m.rankRecomputes = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "rank_recomputes_total",
		Help:      "Chart ranking recomputes by outcome",
	}, []string{"outcome"})

	m.recomputeLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "recompute_latency_milliseconds",
		Help:      "Latency of a single chart recompute in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	m.rankPendingWindow = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "rank_pending_window_milliseconds",
		Help:      "Time between bulk persist completion and rank refresh completion in the last run",
	})

	m.rankedDocsPerChart = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "ranked_documents_per_chart",
		Help:      "Number of PB documents ranked per chart recompute",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	m.importsEnqueued = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "imports_enqueued_total",
		Help:      "Import-completed events accepted into the queue",
	})

	m.importsDuplicate = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "imports_duplicate_total",
		Help:      "Import-completed events dropped as duplicates",
	})

	m.queueSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "queue_size",
		Help:      "Current number of queued import events",
	})

	m.queueCapacity = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "queue_capacity",
		Help:      "Configured capacity of the import queue",
	})

	m.workerCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "worker_count",
		Help:      "Number of pipeline workers",
	})

	m.storeOpLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "store_operation_latency_milliseconds",
		Help:      "Store operation latency in milliseconds by driver and operation",
		Buckets:   m.histogramBuckets,
	}, []string{"driver", "op"})

	m.storedDocuments = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "stored_documents",
		Help:      "Documents held by the store by driver and kind (scores, pbs, charts)",
	}, []string{"driver", "kind"})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by endpoint and method",
	}, []string{"endpoint", "method", "status_code"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_request_duration_milliseconds",
		Help:      "HTTP request duration in milliseconds",
		Buckets:   m.histogramBuckets,
	}, []string{"endpoint", "method", "status_code"})

	m.errorsByComponent = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "errors_total",
		Help:      "Errors by component and error type",
	}, []string{"component", "type"})
}

// RecordPipelineRun counts a finished pipeline run and its duration.
func RecordPipelineRun(outcome string, d time.Duration) {
	m := active()
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(outcome).Inc()
	m.pipelineDuration.Observe(ms(d))
}

// RecordBuild counts a PB builder invocation.
func RecordBuild(outcome string, d time.Duration) {
	m := active()
	if m == nil {
		return
	}
	m.pbBuilds.WithLabelValues(outcome).Inc()
	m.buildLatency.Observe(ms(d))
}

// RecordPersist records the outcome counts and latency of one bulk upsert.
func RecordPersist(ok, failed int, d time.Duration) {
	m := active()
	if m == nil {
		return
	}
	m.persistItems.WithLabelValues(OutcomeOK).Add(float64(ok))
	m.persistItems.WithLabelValues(OutcomeFailed).Add(float64(failed))
	m.persistLatency.Observe(ms(d))
}

// RecordRecompute counts a chart recompute.
func RecordRecompute(outcome string, documents int, d time.Duration) {
	m := active()
	if m == nil {
		return
	}
	m.rankRecomputes.WithLabelValues(outcome).Inc()
	m.recomputeLatency.Observe(ms(d))
	m.rankedDocsPerChart.Observe(float64(documents))
}

// UpdateRankPendingWindow records how long ranks were stale in the last run.
func UpdateRankPendingWindow(d time.Duration) {
	m := active()
	if m == nil {
		return
	}
	m.rankPendingWindow.Set(ms(d))
}

// RecordImportEnqueued increments the accepted imports counter.
func RecordImportEnqueued() {
	m := active()
	if m == nil {
		return
	}
	m.importsEnqueued.Inc()
}

// RecordImportDuplicate increments the duplicate imports counter.
func RecordImportDuplicate() {
	m := active()
	if m == nil {
		return
	}
	m.importsDuplicate.Inc()
}

// UpdateQueueSize sets the current queue length.
func UpdateQueueSize(size int) {
	m := active()
	if m == nil {
		return
	}
	m.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the configured queue capacity.
func UpdateQueueCapacity(capacity int) {
	m := active()
	if m == nil {
		return
	}
	m.queueCapacity.Set(float64(capacity))
}

// UpdateWorkerCount sets the number of pipeline workers.
func UpdateWorkerCount(count int) {
	m := active()
	if m == nil {
		return
	}
	m.workerCount.Set(float64(count))
}

// RecordStoreOperation records the latency of a store call.
func RecordStoreOperation(driver, op string, d time.Duration) {
	m := active()
	if m == nil {
		return
	}
	m.storeOpLatency.WithLabelValues(driver, op).Observe(ms(d))
}

// UpdateStoredDocuments sets the number of stored documents of kind.
func UpdateStoredDocuments(driver, kind string, n int) {
	m := active()
	if m == nil {
		return
	}
	m.storedDocuments.WithLabelValues(driver, kind).Set(float64(n))
}

// RecordHTTPRequest counts an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	m := active()
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records an HTTP request duration in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	m := active()
	if m == nil {
		return
	}
	m.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent counts an error raised by component.
func RecordErrorByComponent(component, errorType string) {
	m := active()
	if m == nil {
		return
	}
	m.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return current.Load().registry
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
