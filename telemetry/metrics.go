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
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
)

const (
	meterName = "github.com/swaccha-ap/offline-edge"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the deployed asset version.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus exposition handler.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	routeDecisionsTotal metric.Int64Counter
	cacheLookupsTotal   metric.Int64Counter
	cacheWritesTotal    metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	lifecycleTransitionsTotal metric.Int64Counter
	cacheStoresDeletedTotal   metric.Int64Counter
	blobsSweptTotal           metric.Int64Counter

	outboxEnqueuedTotal metric.Int64Counter
	outboxReplaysTotal  metric.Int64Counter
	outboxDepth         metric.Int64Gauge

	notificationsTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system once.
// Returns a shutdown function that should be called on application exit.
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
		cfg.ServiceName = "offline-edge"
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

	// No exporter configured: still collect so the Record* calls stay cheap and uniform.
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

	m, err := newInstruments(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

// newInstruments creates every instrument on meter.
func newInstruments(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.requestsTotal, "offline_edge_http_requests_total", "Total number of HTTP requests", "{request}"},
		{&m.responseBytesTotal, "offline_edge_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"},
		{&m.routeDecisionsTotal, "offline_edge_route_decisions_total", "Fetch events by route and how they were served", "{request}"},
		{&m.cacheLookupsTotal, "offline_edge_cache_lookups_total", "Cache store lookups by result", "{lookup}"},
		{&m.cacheWritesTotal, "offline_edge_cache_writes_total", "Responses written to the cache store", "{write}"},
		{&m.upstreamFetchTotal, "offline_edge_upstream_fetch_total", "Total number of network fetches", "{request}"},
		{&m.upstreamFetchBytesTotal, "offline_edge_upstream_fetch_bytes_total", "Total bytes fetched from the network", "By"},
		{&m.backendRequestsTotal, "offline_edge_backend_requests_total", "Total number of blob backend operations", "{request}"},
		{&m.backendBytesTotal, "offline_edge_backend_bytes_total", "Total bytes written through the blob backend", "By"},
		{&m.lifecycleTransitionsTotal, "offline_edge_lifecycle_transitions_total", "Worker lifecycle transitions", "{transition}"},
		{&m.cacheStoresDeletedTotal, "offline_edge_cache_stores_deleted_total", "Stale cache stores deleted on activation", "{store}"},
		{&m.blobsSweptTotal, "offline_edge_blobs_swept_total", "Unreferenced blobs removed on activation", "{blob}"},
		{&m.outboxEnqueuedTotal, "offline_edge_outbox_enqueued_total", "Deferred writes queued", "{record}"},
		{&m.outboxReplaysTotal, "offline_edge_outbox_replays_total", "Deferred write replay attempts by outcome", "{record}"},
		{&m.notificationsTotal, "offline_edge_notifications_total", "Push notifications shown and clicked", "{notification}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	m.requestDuration, err = meter.Float64Histogram(
		"offline_edge_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchDuration, err = meter.Float64Histogram(
		"offline_edge_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of network fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return nil, err
	}

	m.backendRequestDuration, err = meter.Float64Histogram(
		"offline_edge_backend_request_duration_seconds",
		metric.WithDescription("Duration of blob backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	m.outboxDepth, err = meter.Int64Gauge(
		"offline_edge_outbox_depth",
		metric.WithDescription("Deferred writes waiting for replay"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics from the logging middleware.
// Route and cache result are read from the request tags.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	route := "unknown"
	cacheResult := string(CacheBypass)
	if tags := GetTags(r); tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRouteDecision records how a fetch event was classified and served.
// served is one of "network", "cache", "offline_page", "placeholder", "error".
func RecordRouteDecision(ctx context.Context, route, served string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.routeDecisionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("served", served),
	))
}

// RecordCacheLookup records a cache store match.
func RecordCacheLookup(ctx context.Context, cacheName string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cacheName),
		attribute.String("result", string(result)),
	))
}

// RecordCacheWrite records a response stored in a cache.
func RecordCacheWrite(ctx context.Context, cacheName string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheWritesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cacheName)))
}

// RecordBackendOp records a blob backend operation.
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

// RecordUpstreamFetch records a network fetch.
func RecordUpstreamFetch(ctx context.Context, route string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("outcome", outcome),
	)
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, attrs)
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), attrs)
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordLifecycle records a worker entering state.
func RecordLifecycle(ctx context.Context, version, state string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lifecycleTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("version", version),
		attribute.String("state", state),
	))
}

// RecordActivationCleanup records stale stores and orphan blobs removed on activation.
func RecordActivationCleanup(ctx context.Context, storesDeleted, blobsSwept int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheStoresDeletedTotal.Add(ctx, int64(storesDeleted))
	globalMetrics.blobsSweptTotal.Add(ctx, int64(blobsSwept))
}

// RecordOutboxEnqueue records a deferred write being queued.
func RecordOutboxEnqueue(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.outboxEnqueuedTotal.Add(ctx, 1)
}

// RecordOutboxReplay records one replay cycle and the queue depth it left behind.
func RecordOutboxReplay(ctx context.Context, replayed, kept int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.outboxReplaysTotal.Add(ctx, int64(replayed), metric.WithAttributes(attribute.String("outcome", "replayed")))
	globalMetrics.outboxReplaysTotal.Add(ctx, int64(kept), metric.WithAttributes(attribute.String("outcome", "kept")))
	globalMetrics.outboxDepth.Record(ctx, int64(kept))
}

// RecordNotification records a push ("show") or click event.
func RecordNotification(ctx context.Context, event, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.notificationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("outcome", outcome),
	))
}

// PrometheusHandler returns the Prometheus exposition handler, or a 404
// handler when Prometheus export is disabled.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.AggregationDefault{}
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
