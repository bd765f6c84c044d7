package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/memorycrystal/crystal/internal/crypto"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Config holds metrics configuration.
type Config struct {
	EnableChannelLabel bool
}

// Metrics holds all application metrics for a relay server or home daemon.
type Metrics struct {
	config Config

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	relayOperationsTotal   *prometheus.CounterVec
	relayOperationDuration *prometheus.HistogramVec
	relayOperationErrors   *prometheus.CounterVec

	sealOperations *prometheus.CounterVec
	sealDuration   *prometheus.HistogramVec
	sealErrors     *prometheus.CounterVec
	sealBytes      *prometheus.CounterVec

	ingestChunksTotal  *prometheus.CounterVec
	ingestDedupedTotal prometheus.Counter
	queryLatency       *prometheus.HistogramVec

	activeConnections           prometheus.Gauge
	goroutines                  prometheus.Gauge
	memoryAllocBytes            prometheus.Gauge
	memorySysBytes              prometheus.Gauge
	hardwareAccelerationEnabled prometheus.Gauge
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableChannelLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// This avoids metric registration conflicts across tests.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableChannelLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	hwAccel := factory.NewGauge(prometheus.GaugeOpts{Name: "hardware_acceleration_enabled", Help: "1 if the CPU has AES hardware acceleration, 0 otherwise"})
	if crypto.HasAESHardwareSupport() {
		hwAccel.Set(1)
	}
	return &Metrics{
		config: cfg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds", Buckets: prometheus.DefBuckets},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "http_request_bytes_total", Help: "Total bytes transferred in HTTP requests"},
			[]string{"method", "path"},
		),
		relayOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "relay_operations_total", Help: "Total number of relay drop/pickup/confirm operations"},
			[]string{"operation", "channel"},
		),
		relayOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "relay_operation_duration_seconds", Help: "Relay operation duration in seconds", Buckets: prometheus.DefBuckets},
			[]string{"operation", "channel"},
		),
		relayOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "relay_operation_errors_total", Help: "Total number of relay operation errors"},
			[]string{"operation", "channel", "error_type"},
		),
		sealOperations: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "seal_operations_total", Help: "Total number of seal/open operations"},
			[]string{"operation"},
		),
		sealDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "seal_duration_seconds", Help: "Seal/open operation duration in seconds", Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}},
			[]string{"operation"},
		),
		sealErrors: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "seal_errors_total", Help: "Total number of seal/open errors"},
			[]string{"operation", "error_type"},
		),
		sealBytes: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "seal_bytes_total", Help: "Total bytes sealed/opened"},
			[]string{"operation"},
		),
		ingestChunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "ingest_chunks_total", Help: "Total number of chunks written by the ingestion pipeline"},
			[]string{"source_type"},
		),
		ingestDedupedTotal: factory.NewCounter(
			prometheus.CounterOpts{Name: "ingest_deduped_total", Help: "Total number of candidate chunks skipped as duplicates"},
		),
		queryLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "query_latency_seconds", Help: "Hybrid query latency in seconds", Buckets: prometheus.DefBuckets},
			[]string{"stage"},
		),
		activeConnections:           factory.NewGauge(prometheus.GaugeOpts{Name: "active_connections", Help: "Number of active HTTP connections"}),
		goroutines:                  factory.NewGauge(prometheus.GaugeOpts{Name: "goroutines_total", Help: "Number of goroutines"}),
		memoryAllocBytes:            factory.NewGauge(prometheus.GaugeOpts{Name: "memory_alloc_bytes", Help: "Number of bytes allocated and not yet freed"}),
		memorySysBytes:              factory.NewGauge(prometheus.GaugeOpts{Name: "memory_sys_bytes", Help: "Total bytes of memory obtained from OS"}),
		hardwareAccelerationEnabled: hwAccel,
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	label := sanitizePathLabel(path)
	labels := prometheus.Labels{"method": method, "path": label, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.httpRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.httpRequestsTotal.With(labels).Inc()
		}
		if observer, ok := m.httpRequestDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.httpRequestDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.httpRequestsTotal.With(labels).Inc()
		m.httpRequestDuration.With(labels).Observe(duration.Seconds())
	}

	m.httpRequestBytes.WithLabelValues(method, label).Add(float64(bytes))
}

// sanitizePathLabel reduces high-cardinality paths (blob ids) to stable labels.
// "/pickup/conversations/3fa8..." => "/pickup/*"
func sanitizePathLabel(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	return "/" + segs[0] + "/*"
}

func (m *Metrics) channelLabel(channel string) string {
	if !m.config.EnableChannelLabel {
		return "*"
	}
	return channel
}

// RecordRelayOperation records a drop/pickup/confirm operation.
func (m *Metrics) RecordRelayOperation(ctx context.Context, operation, channel string, duration time.Duration) {
	label := m.channelLabel(channel)
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.relayOperationsTotal.WithLabelValues(operation, label).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.relayOperationsTotal.WithLabelValues(operation, label).Inc()
		}
		if observer, ok := m.relayOperationDuration.WithLabelValues(operation, label).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.relayOperationDuration.WithLabelValues(operation, label).Observe(duration.Seconds())
		}
	} else {
		m.relayOperationsTotal.WithLabelValues(operation, label).Inc()
		m.relayOperationDuration.WithLabelValues(operation, label).Observe(duration.Seconds())
	}
}

// RecordRelayError records a relay operation error.
func (m *Metrics) RecordRelayError(operation, channel, errorType string) {
	m.relayOperationErrors.WithLabelValues(operation, m.channelLabel(channel), errorType).Inc()
}

// RecordSealOperation records a seal/open operation.
func (m *Metrics) RecordSealOperation(operation string, duration time.Duration, bytes int64) {
	m.sealOperations.WithLabelValues(operation).Inc()
	m.sealDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.sealBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordSealError records a seal/open error.
func (m *Metrics) RecordSealError(operation, errorType string) {
	m.sealErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordIngestedChunks records chunks written by the ingestion pipeline.
func (m *Metrics) RecordIngestedChunks(sourceType string, n int) {
	m.ingestChunksTotal.WithLabelValues(sourceType).Add(float64(n))
}

// RecordDeduped records candidate chunks skipped because their hash already existed.
func (m *Metrics) RecordDeduped(n int) {
	m.ingestDedupedTotal.Add(float64(n))
}

// RecordQueryStage records the latency of one stage of the hybrid query pipeline.
func (m *Metrics) RecordQueryStage(stage string, d time.Duration) {
	m.queryLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

func (m *Metrics) IncrementActiveConnections() { m.activeConnections.Inc() }
func (m *Metrics) DecrementActiveConnections() { m.activeConnections.Dec() }

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts a trace id from context for exemplar attachment.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
