package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	remoteCallsTotal, err := meter.Int64Counter("artifact_sync_remote_calls_total")
	require.NoError(t, err)
	remoteCallDuration, err := meter.Float64Histogram("artifact_sync_remote_call_duration_seconds")
	require.NoError(t, err)
	retriesTotal, err := meter.Int64Counter("artifact_sync_retries_total")
	require.NoError(t, err)
	breakerTransitions, err := meter.Int64Counter("artifact_sync_breaker_transitions_total")
	require.NoError(t, err)
	governorWaitSeconds, err := meter.Float64Histogram("artifact_sync_rate_limit_wait_seconds")
	require.NoError(t, err)
	syncPassesTotal, err := meter.Int64Counter("artifact_sync_sync_passes_total")
	require.NoError(t, err)
	syncChangesTotal, err := meter.Int64Counter("artifact_sync_sync_changes_total")
	require.NoError(t, err)
	syncFilesTotal, err := meter.Int64Counter("artifact_sync_sync_files_total")
	require.NoError(t, err)
	transferTasksTotal, err := meter.Int64Counter("artifact_sync_transfer_tasks_total")
	require.NoError(t, err)
	transferBytesTotal, err := meter.Int64Counter("artifact_sync_transfer_bytes_total")
	require.NoError(t, err)
	cacheOpsTotal, err := meter.Int64Counter("artifact_sync_cache_ops_total")
	require.NoError(t, err)
	blobSizeBytes, err := meter.Float64Histogram("artifact_sync_blob_size_bytes")
	require.NoError(t, err)

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
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordFunctionsNilSafe(t *testing.T) {
	// No InitMetrics: every Record func must be a silent no-op.
	globalMetrics = nil

	ctx := context.Background()
	RecordRemoteCall(ctx, "example.com:443", "success", time.Second)
	RecordRetry(ctx)
	RecordBreakerTransition(ctx, "closed", "open")
	RecordGovernorWait(ctx, time.Second)
	RecordSyncPass(ctx, "initial", "success", 3)
	RecordChange(ctx, "added")
	RecordTransferTask(ctx, "success")
	RecordTransferBytes(ctx, "upload", 1024)
	RecordCacheOp(ctx, "initialize", "written")
	RecordBlobWrite(ctx, 4096)
}

func TestRecordRemoteCall(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := context.Background()
	RecordRemoteCall(ctx, "example.com:443", "success", 50*time.Millisecond)
	RecordRemoteCall(ctx, "example.com:443", "failure", 10*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "artifact_sync_remote_calls_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		require.EqualValues(t, 1, dp.Value)
		require.True(t, hasAttr(dp.Attributes, "host", "example.com:443"))
	}

	histDps := findHistogram(rm, "artifact_sync_remote_call_duration_seconds")
	require.Len(t, histDps, 2)
}

func TestRecordSyncPass(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := context.Background()
	RecordSyncPass(ctx, "incremental", "success", 5)
	RecordChange(ctx, "added")
	RecordChange(ctx, "deleted")

	rm := collectMetrics(t, reader)

	passDps := findCounter(rm, "artifact_sync_sync_passes_total")
	require.Len(t, passDps, 1)
	require.EqualValues(t, 1, passDps[0].Value)
	require.True(t, hasAttr(passDps[0].Attributes, "type", "incremental"))
	require.True(t, hasAttr(passDps[0].Attributes, "outcome", "success"))

	fileDps := findCounter(rm, "artifact_sync_sync_files_total")
	require.Len(t, fileDps, 1)
	require.EqualValues(t, 5, fileDps[0].Value)

	changeDps := findCounter(rm, "artifact_sync_sync_changes_total")
	require.Len(t, changeDps, 2)
}

func TestRecordTransferBytesIgnoresNonPositive(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := context.Background()
	RecordTransferBytes(ctx, "download", 2048)
	RecordTransferBytes(ctx, "download", 0)
	RecordTransferBytes(ctx, "download", -5)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "artifact_sync_transfer_bytes_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 2048, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "direction", "download"))
}

func TestPrometheusHandlerWithoutInit(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
