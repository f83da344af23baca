// Package telemetry provides OpenTelemetry metrics for the sync engine.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/artifact-sync"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	remoteCallsTotal    metric.Int64Counter
	remoteCallDuration  metric.Float64Histogram
	retriesTotal        metric.Int64Counter
	breakerTransitions  metric.Int64Counter
	governorWaitSeconds metric.Float64Histogram

	syncPassesTotal  metric.Int64Counter
	syncChangesTotal metric.Int64Counter
	syncFilesTotal   metric.Int64Counter

	transferTasksTotal metric.Int64Counter
	transferBytesTotal metric.Int64Counter

	cacheOpsTotal metric.Int64Counter
	blobSizeBytes metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation. All Record functions
// are safe no-ops until InitMetrics succeeds.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "artifact-sync"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	remoteCallsTotal, err := meter.Int64Counter(
		"artifact_sync_remote_calls_total",
		metric.WithDescription("Total remote calls through the resilient invoker"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	remoteCallDuration, err := meter.Float64Histogram(
		"artifact_sync_remote_call_duration_seconds",
		metric.WithDescription("Duration of remote calls, including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	retriesTotal, err := meter.Int64Counter(
		"artifact_sync_retries_total",
		metric.WithDescription("Total retry attempts after retryable failures"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return err
	}

	breakerTransitions, err := meter.Int64Counter(
		"artifact_sync_breaker_transitions_total",
		metric.WithDescription("Total circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	governorWaitSeconds, err := meter.Float64Histogram(
		"artifact_sync_rate_limit_wait_seconds",
		metric.WithDescription("Time spent waiting on an exhausted rate-limit budget"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return err
	}

	syncPassesTotal, err := meter.Int64Counter(
		"artifact_sync_sync_passes_total",
		metric.WithDescription("Total sync passes by type and outcome"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return err
	}

	syncChangesTotal, err := meter.Int64Counter(
		"artifact_sync_sync_changes_total",
		metric.WithDescription("Total change events produced by sync passes"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return err
	}

	syncFilesTotal, err := meter.Int64Counter(
		"artifact_sync_sync_files_total",
		metric.WithDescription("Total files examined by sync passes"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return err
	}

	transferTasksTotal, err := meter.Int64Counter(
		"artifact_sync_transfer_tasks_total",
		metric.WithDescription("Total transfer tasks by outcome"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	transferBytesTotal, err := meter.Int64Counter(
		"artifact_sync_transfer_bytes_total",
		metric.WithDescription("Total bytes transferred"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheOpsTotal, err := meter.Int64Counter(
		"artifact_sync_cache_ops_total",
		metric.WithDescription("Total cache store operations"),
		metric.WithUnit("{op}"),
	)
	if err != nil {
		return err
	}

	blobSizeBytes, err := meter.Float64Histogram(
		"artifact_sync_blob_size_bytes",
		metric.WithDescription("Size of collection blobs written to the cache"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		remoteCallsTotal:    remoteCallsTotal,
		remoteCallDuration:  remoteCallDuration,
		retriesTotal:        retriesTotal,
		breakerTransitions:  breakerTransitions,
		governorWaitSeconds: governorWaitSeconds,
		syncPassesTotal:     syncPassesTotal,
		syncChangesTotal:    syncChangesTotal,
		syncFilesTotal:      syncFilesTotal,
		transferTasksTotal:  transferTasksTotal,
		transferBytesTotal:  transferBytesTotal,
		cacheOpsTotal:       cacheOpsTotal,
		blobSizeBytes:       blobSizeBytes,
		meterProvider:       mp,
		promHandler:         promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordRemoteCall records one invocation through the resilient invoker.
// outcome is "success", "failure", "cancelled" or "circuit_open".
func RecordRemoteCall(ctx context.Context, host, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("host", host),
		attribute.String("outcome", outcome),
	}
	globalMetrics.remoteCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.remoteCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRetry records one retry attempt.
func RecordRetry(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.retriesTotal.Add(ctx, 1)
}

// RecordBreakerTransition records a circuit breaker state transition.
func RecordBreakerTransition(ctx context.Context, from, to string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("from", from),
		attribute.String("to", to),
	}
	globalMetrics.breakerTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGovernorWait records time spent blocked on an exhausted budget.
func RecordGovernorWait(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.governorWaitSeconds.Record(ctx, duration.Seconds())
}

// RecordSyncPass records one completed sync pass.
// syncType is "initial" or "incremental"; outcome is "success" or "failure".
func RecordSyncPass(ctx context.Context, syncType, outcome string, files int) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("type", syncType),
		attribute.String("outcome", outcome),
	}
	globalMetrics.syncPassesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.syncFilesTotal.Add(ctx, int64(files), metric.WithAttributes(attrs...))
}

// RecordChange records one change event. kind is "added", "modified" or "deleted".
func RecordChange(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncChangesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTransferTask records a finished transfer task.
// outcome is "success", "failure" or "cancelled".
func RecordTransferTask(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.transferTasksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTransferBytes records bytes moved in the given direction
// ("upload" or "download").
func RecordTransferBytes(ctx context.Context, direction string, bytes int64) {
	if globalMetrics == nil || bytes <= 0 {
		return
	}
	globalMetrics.transferBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordCacheOp records a cache store operation with its outcome.
func RecordCacheOp(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.cacheOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBlobWrite records the size of a blob written to the cache.
func RecordBlobWrite(ctx context.Context, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blobSizeBytes.Record(ctx, float64(size))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
