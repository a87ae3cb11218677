package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles Prometheus metrics used across the import and query paths.
type Metrics struct {
	namespace string

	filesImported     *prometheus.CounterVec
	importFailures    prometheus.Counter
	rowsParsed        *prometheus.CounterVec
	parseErrors       *prometheus.CounterVec
	networksUpserted  prometheus.Counter
	observationsAdded prometheus.Counter
	storeErrors       prometheus.Counter
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	importDuration    prometheus.Histogram

	healthy atomic.Bool
}

// MetricsOption customises metrics creation.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace overrides the metric namespace (default: netatlas).
func WithNamespace(ns string) MetricsOption {
	return func(cfg *metricsConfig) {
		if ns != "" {
			cfg.namespace = ns
		}
	}
}

// WithRegistry overrides the Prometheus registerer (useful for tests).
func WithRegistry(reg prometheus.Registerer) MetricsOption {
	return func(cfg *metricsConfig) {
		if reg != nil {
			cfg.registry = reg
		}
	}
}

// NewMetrics initialises and registers import/query metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		namespace: "netatlas",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Metrics{
		namespace: cfg.namespace,
		filesImported: promauto.With(cfg.registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "files_imported_total",
			Help:      "Total number of capture files imported, partitioned by detected format.",
		}, []string{"format"}),
		importFailures: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "import_failures_total",
			Help:      "Total number of imports that failed before completion.",
		}),
		rowsParsed: promauto.With(cfg.registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "rows_parsed_total",
			Help:      "Total number of source rows successfully parsed, partitioned by format.",
		}, []string{"format"}),
		parseErrors: promauto.With(cfg.registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "parse_errors_total",
			Help:      "Total number of rows rejected during parsing, partitioned by format.",
		}, []string{"format"}),
		networksUpserted: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "networks_upserted_total",
			Help:      "Total number of network rows inserted or updated.",
		}),
		observationsAdded: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "observations_added_total",
			Help:      "Total number of observation rows appended.",
		}),
		storeErrors: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "store_errors_total",
			Help:      "Total number of storage errors.",
		}),
		cacheHits: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "viewport_cache_hits_total",
			Help:      "Total number of viewport queries served from cache.",
		}),
		cacheMisses: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "viewport_cache_misses_total",
			Help:      "Total number of viewport queries that fell through to the database.",
		}),
		importDuration: promauto.With(cfg.registry).NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "import_duration_seconds",
			Help:      "Wall-clock duration of complete file imports.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	m.healthy.Store(true)
	return m
}

// IncFilesImported notes a completed file import for the given format.
func (m *Metrics) IncFilesImported(format string) {
	if m == nil {
		return
	}
	m.filesImported.WithLabelValues(format).Inc()
}

// IncImportFailures increments the failed-import counter and marks the
// service unhealthy.
func (m *Metrics) IncImportFailures() {
	if m == nil {
		return
	}
	m.importFailures.Inc()
	m.healthy.Store(false)
}

// AddRowsParsed adds to the parsed-row counter for the given format.
func (m *Metrics) AddRowsParsed(format string, n int) {
	if m == nil {
		return
	}
	m.rowsParsed.WithLabelValues(format).Add(float64(n))
}

// IncParseErrors notes a rejected source row for the given format.
func (m *Metrics) IncParseErrors(format string) {
	if m == nil {
		return
	}
	m.parseErrors.WithLabelValues(format).Inc()
}

// IncNetworksUpserted notes an inserted or updated network row.
func (m *Metrics) IncNetworksUpserted() {
	if m == nil {
		return
	}
	m.networksUpserted.Inc()
}

// IncObservationsAdded notes an appended observation row.
func (m *Metrics) IncObservationsAdded() {
	if m == nil {
		return
	}
	m.observationsAdded.Inc()
}

// IncStoreErrors increments the store error counter and marks the service
// unhealthy.
func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
	m.healthy.Store(false)
}

// IncCacheHits notes a viewport query served from cache.
func (m *Metrics) IncCacheHits() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// IncCacheMisses notes a viewport query that hit the database.
func (m *Metrics) IncCacheMisses() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// ObserveImportDuration records how long a complete import took.
func (m *Metrics) ObserveImportDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.importDuration.Observe(d.Seconds())
}

// Healthy reports whether recent operations have seen errors.
func (m *Metrics) Healthy() bool {
	if m == nil {
		return true
	}
	return m.healthy.Load()
}

// MarkHealthy resets the healthy flag.
func (m *Metrics) MarkHealthy() {
	if m == nil {
		return
	}
	m.healthy.Store(true)
}
