package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
// Returns the reader (to collect metrics) and a cleanup function.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	mustCounter := func(name string) metric.Int64Counter {
		c, err := meter.Int64Counter(name)
		require.NoError(t, err)
		return c
	}
	mustHistogram := func(name string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name)
		require.NoError(t, err)
		return h
	}
	contentBytes, err := meter.Int64Gauge("haven_cache_content_bytes")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		requestsTotal:          mustCounter("haven_cache_http_requests_total"),
		responseBytesTotal:     mustCounter("haven_cache_http_response_bytes_total"),
		requestDuration:        mustHistogram("haven_cache_http_request_duration_seconds"),
		cacheLookupsTotal:      mustCounter("haven_cache_content_lookups_total"),
		contentBytes:           contentBytes,
		decryptDuration:        mustHistogram("haven_cache_decrypt_duration_seconds"),
		decryptTotal:           mustCounter("haven_cache_decrypt_total"),
		decryptBytesTotal:      mustCounter("haven_cache_decrypt_bytes_total"),
		syncRunsTotal:          mustCounter("haven_cache_sync_runs_total"),
		syncDuration:           mustHistogram("haven_cache_sync_duration_seconds"),
		syncRecordsTotal:       mustCounter("haven_cache_sync_records_total"),
		backendRequestDuration: mustHistogram("haven_cache_backend_request_duration_seconds"),
		backendRequestsTotal:   mustCounter("haven_cache_backend_requests_total"),
		backendBytesTotal:      mustCounter("haven_cache_backend_bytes_total"),
		meterProvider:          mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
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

// findHistogram finds a histogram metric by name and returns its data points.
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

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/videos/vid-1/content", nil)
	RecordHTTP(context.Background(), r, "videos", http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "haven_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "method", "GET"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "videos"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))

	bytesDps := findCounter(rm, "haven_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "haven_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordCacheLookup(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCacheLookup(context.Background(), CacheHit)
	RecordCacheLookup(context.Background(), CacheHit)
	RecordCacheLookup(context.Background(), CacheMiss)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "haven_cache_content_lookups_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "result", "hit") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "result", "miss"))
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecordDecryptFetch(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordDecryptFetch(context.Background(), 2*time.Second, 4096, "success")
	RecordDecryptFetch(context.Background(), time.Second, 0, "error")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "haven_cache_decrypt_total")
	require.Len(t, dps, 2)

	// Byte totals only accumulate for fetches that produced bytes.
	bytesDps := findCounter(rm, "haven_cache_decrypt_bytes_total")
	require.Len(t, bytesDps, 1)
	require.True(t, hasAttr(bytesDps[0].Attributes, "outcome", "success"))
	require.EqualValues(t, 4096, bytesDps[0].Value)
}

func TestRecordSync(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordSync(context.Background(), "success", 100*time.Millisecond, 3, 1, 0, 5)

	rm := collectMetrics(t, reader)

	runDps := findCounter(rm, "haven_cache_sync_runs_total")
	require.Len(t, runDps, 1)
	require.True(t, hasAttr(runDps[0].Attributes, "outcome", "success"))

	// One data point per non-zero classification.
	recordDps := findCounter(rm, "haven_cache_sync_records_total")
	require.Len(t, recordDps, 3)
	byClass := map[string]int64{}
	for _, dp := range recordDps {
		v, ok := dp.Attributes.Value(attribute.Key("class"))
		require.True(t, ok)
		byClass[v.AsString()] = dp.Value
	}
	require.Equal(t, map[string]int64{"added": 3, "updated": 1, "unchanged": 5}, byClass)
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBackendOp(context.Background(), "filesystem", "write", "success", 5*time.Millisecond, 2048)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "haven_cache_backend_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "backend", "filesystem"))
	require.True(t, hasAttr(dps[0].Attributes, "op", "write"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))

	bytesDps := findCounter(rm, "haven_cache_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 2048, bytesDps[0].Value)
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	// Should not panic
	RecordHTTP(context.Background(), r, "unknown", http.StatusOK, 0, time.Millisecond)
	RecordCacheLookup(context.Background(), CacheHit)
	RecordSync(context.Background(), "success", time.Millisecond, 0, 0, 0, 0)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{416, "4xx"},
		{500, "5xx"},
		{502, "5xx"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
