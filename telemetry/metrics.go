// Package telemetry provides OpenTelemetry metrics with Prometheus and
// optional OTLP export, plus request tagging for structured logging.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
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

const meterName = "github.com/havenlabs/haven-cache"

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
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	cacheLookupsTotal metric.Int64Counter
	contentBytes      metric.Int64Gauge

	decryptDuration   metric.Float64Histogram
	decryptTotal      metric.Int64Counter
	decryptBytesTotal metric.Int64Counter

	syncRunsTotal    metric.Int64Counter
	syncDuration     metric.Float64Histogram
	syncRecordsTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

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
// Uses sync.Once to ensure single initialisation.
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
		cfg.ServiceName = "haven-cache"
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
			otlpmetricgrpc.WithInsecure(),
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

	// If no exporters configured, still collect via a no-op reader so the
	// Record helpers stay cheap and valid.
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

	m := &Metrics{meterProvider: mp, promHandler: promHandler}

	if m.requestsTotal, err = meter.Int64Counter(
		"haven_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"haven_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"haven_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}

	if m.cacheLookupsTotal, err = meter.Int64Counter(
		"haven_cache_content_lookups_total",
		metric.WithDescription("Content cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return err
	}

	if m.contentBytes, err = meter.Int64Gauge(
		"haven_cache_content_bytes",
		metric.WithDescription("Declared payload bytes held in the content cache"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.decryptDuration, err = meter.Float64Histogram(
		"haven_cache_decrypt_duration_seconds",
		metric.WithDescription("Threshold decryption fetch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return err
	}

	if m.decryptTotal, err = meter.Int64Counter(
		"haven_cache_decrypt_total",
		metric.WithDescription("Threshold decryption fetches by outcome"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return err
	}

	if m.decryptBytesTotal, err = meter.Int64Counter(
		"haven_cache_decrypt_bytes_total",
		metric.WithDescription("Total decrypted payload bytes"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.syncRunsTotal, err = meter.Int64Counter(
		"haven_cache_sync_runs_total",
		metric.WithDescription("Reconciliation passes by outcome"),
		metric.WithUnit("{run}"),
	); err != nil {
		return err
	}

	if m.syncDuration, err = meter.Float64Histogram(
		"haven_cache_sync_duration_seconds",
		metric.WithDescription("Reconciliation pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return err
	}

	if m.syncRecordsTotal, err = meter.Int64Counter(
		"haven_cache_sync_records_total",
		metric.WithDescription("Reconciled records by classification"),
		metric.WithUnit("{record}"),
	); err != nil {
		return err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"haven_cache_backend_request_duration_seconds",
		metric.WithDescription("Storage backend operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	); err != nil {
		return err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"haven_cache_backend_requests_total",
		metric.WithDescription("Storage backend operations by outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"haven_cache_backend_bytes_total",
		metric.WithDescription("Bytes written through the storage backend"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	globalMetrics = m
	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

// PrometheusHandler returns the /metrics handler, or a 404 handler if
// Prometheus export is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics != nil && globalMetrics.promHandler != nil {
		return globalMetrics.promHandler
	}
	return http.NotFoundHandler()
}

// StatusClass buckets an HTTP status code for logging (e.g. "2xx").
func StatusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// RecordHTTP records request metrics for one served request.
func RecordHTTP(ctx context.Context, r *http.Request, endpoint string, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheLookup records a content cache lookup outcome.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", string(result))))
}

// SetContentBytes records the current declared byte total of an identity's
// content cache.
func SetContentBytes(ctx context.Context, identity string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.contentBytes.Record(ctx, bytes,
		metric.WithAttributes(attribute.String("identity", identity)))
}

// RecordDecryptFetch records one threshold-decryption fetch.
func RecordDecryptFetch(ctx context.Context, duration time.Duration, bytes int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.decryptTotal.Add(ctx, 1, attrs)
	globalMetrics.decryptDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.decryptBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordSync records one reconciliation pass and its record classifications.
func RecordSync(ctx context.Context, outcome string, duration time.Duration, added, updated, expired, unchanged int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncRunsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	globalMetrics.syncDuration.Record(ctx, duration.Seconds())

	for _, c := range []struct {
		class string
		n     int
	}{
		{"added", added},
		{"updated", updated},
		{"expired", expired},
		{"unchanged", unchanged},
	} {
		if c.n > 0 {
			globalMetrics.syncRecordsTotal.Add(ctx, int64(c.n),
				metric.WithAttributes(attribute.String("class", c.class)))
		}
	}
}

// RecordBackendOp records one storage backend operation.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// noopExporter collects nothing; used when no exporter is configured.
type noopExporter struct{}

func (noopExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (noopExporter) Export(context.Context, *metricdata.ResourceMetrics) error { return nil }

func (noopExporter) ForceFlush(context.Context) error { return nil }

func (noopExporter) Shutdown(context.Context) error { return nil }
