package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. A zero Telemetry, or a nil pointer, records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// USE Metrics (Utilization, Saturation, Errors)
	memoryUsage    metric.Int64Gauge
	goroutineCount metric.Int64Gauge
	queueDepth     metric.Int64Gauge

	// Business Metrics
	requestsTotal          metric.Int64Counter
	jobsTotal              metric.Int64Counter
	jobsActive             metric.Int64UpDownCounter
	jobDuration            metric.Float64Histogram
	jobAttempts            metric.Int64Histogram
	jobRetries             metric.Int64Counter
	cacheLookups           metric.Int64Counter
	cacheEvictions         metric.Int64Counter
	adapterOperationsTotal metric.Int64Counter
	adapterErrors          metric.Int64Counter
	conversionBytes        metric.Int64Counter
	conversionDuration     metric.Float64Histogram
	dbOperationsTotal      metric.Int64Counter
	dbOperationDuration    metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, pushes metrics over OTLP gRPC next to the Prometheus endpoint.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("noop")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// AddHTTPInFlight moves the in-flight HTTP request gauge by delta.
func (t *Telemetry) AddHTTPInFlight(ctx context.Context, delta int64) {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(ctx, delta)
}

// RecordRequest records a terminal request outcome.
func (t *Telemetry) RecordRequest(ctx context.Context, origin, status string) {
	if t == nil || t.requestsTotal == nil {
		return
	}

	t.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("origin", origin),
		attribute.String("status", status),
	))
}

// RecordJob records a job that reached a terminal state.
func (t *Telemetry) RecordJob(ctx context.Context, status string, duration time.Duration, attempts int) {
	if t == nil || t.jobsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.jobsTotal.Add(ctx, 1, attrs)
	t.jobDuration.Record(ctx, duration.Seconds(), attrs)
	t.jobAttempts.Record(ctx, int64(attempts), attrs)
}

// AddActiveJobs moves the running jobs gauge by delta.
func (t *Telemetry) AddActiveJobs(ctx context.Context, delta int64) {
	if t == nil || t.jobsActive == nil {
		return
	}

	t.jobsActive.Add(ctx, delta)
}

// RecordRetry records a job going back to the queue.
func (t *Telemetry) RecordRetry(ctx context.Context, reason string) {
	if t == nil || t.jobRetries == nil {
		return
	}

	t.jobRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordQueueDepth records the number of pending jobs.
func (t *Telemetry) RecordQueueDepth(ctx context.Context, depth int) {
	if t == nil || t.queueDepth == nil {
		return
	}

	t.queueDepth.Record(ctx, int64(depth))
}

// RecordCacheLookup records a dedup cache hit or miss.
func (t *Telemetry) RecordCacheLookup(ctx context.Context, source string, hit bool) {
	if t == nil || t.cacheLookups == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}

	t.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
	))
}

// RecordCacheEviction records an artifact leaving the cache.
func (t *Telemetry) RecordCacheEviction(ctx context.Context, reason string) {
	if t == nil || t.cacheEvictions == nil {
		return
	}

	t.cacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAdapterOperation records platform adapter operation metrics.
func (t *Telemetry) RecordAdapterOperation(ctx context.Context, platform, operation, status string) {
	if t == nil || t.adapterOperationsTotal == nil {
		return
	}

	t.adapterOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("operation", operation),
		attribute.String("status", status),
	))

	if status == "error" {
		t.adapterErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("platform", platform),
			attribute.String("operation", operation),
		))
	}
}

// RecordConversion records encoder output.
func (t *Telemetry) RecordConversion(ctx context.Context, codec, status string, size int64, duration time.Duration) {
	if t == nil || t.conversionBytes == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("codec", codec),
		attribute.String("status", status),
	)

	t.conversionBytes.Add(ctx, size, attrs)
	t.conversionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(ctx, 1, attrs)
	t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(ctx context.Context, component, errorType string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("error_type", errorType),
	))
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return errors.Join(
		t.meterProvider.Shutdown(ctx),
		t.tracerProvider.Shutdown(ctx),
	)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeUSEMetrics(); err != nil {
		return err
	}

	if err := t.initializeBusinessMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeUSEMetrics() error {
	var err error

	t.memoryUsage, err = t.meter.Int64Gauge(
		"memory_usage_bytes",
		metric.WithDescription("Memory usage in bytes"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create memory_usage gauge: %w", err)
	}

	t.goroutineCount, err = t.meter.Int64Gauge(
		"goroutine_count",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create goroutine_count gauge: %w", err)
	}

	t.queueDepth, err = t.meter.Int64Gauge(
		"job_queue_depth",
		metric.WithDescription("Number of jobs waiting for a worker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create job_queue_depth gauge: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	var err error

	t.requestsTotal, err = t.meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of finished fetch requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create requests_total counter: %w", err)
	}

	t.jobsTotal, err = t.meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs that reached a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create jobs_total counter: %w", err)
	}

	t.jobsActive, err = t.meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs currently running"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create jobs_active counter: %w", err)
	}

	t.jobDuration, err = t.meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job duration from creation to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create job_duration histogram: %w", err)
	}

	t.jobAttempts, err = t.meter.Int64Histogram(
		"job_attempts",
		metric.WithDescription("Attempts a job needed to reach a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create job_attempts histogram: %w", err)
	}

	t.jobRetries, err = t.meter.Int64Counter(
		"job_retries_total",
		metric.WithDescription("Total number of job retries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create job_retries_total counter: %w", err)
	}

	t.cacheLookups, err = t.meter.Int64Counter(
		"cache_lookups_total",
		metric.WithDescription("Total number of dedup cache lookups"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_lookups_total counter: %w", err)
	}

	t.cacheEvictions, err = t.meter.Int64Counter(
		"cache_evictions_total",
		metric.WithDescription("Total number of artifacts evicted from the dedup cache"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache_evictions_total counter: %w", err)
	}

	t.adapterOperationsTotal, err = t.meter.Int64Counter(
		"adapter_operations_total",
		metric.WithDescription("Total number of platform adapter operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create adapter_operations_total counter: %w", err)
	}

	t.adapterErrors, err = t.meter.Int64Counter(
		"adapter_errors_total",
		metric.WithDescription("Total number of platform adapter errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create adapter_errors counter: %w", err)
	}

	t.conversionBytes, err = t.meter.Int64Counter(
		"conversion_bytes_total",
		metric.WithDescription("Total number of encoded bytes produced"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create conversion_bytes_total counter: %w", err)
	}

	t.conversionDuration, err = t.meter.Float64Histogram(
		"conversion_duration_seconds",
		metric.WithDescription("Conversion duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create conversion_duration histogram: %w", err)
	}

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics collects system-level metrics periodically.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.updateSystemMetrics(ctx, startTime)
		}
	}
}

func (t *Telemetry) updateSystemMetrics(ctx context.Context, startTime time.Time) {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	t.memoryUsage.Record(ctx, int64(m.Alloc))
	t.goroutineCount.Record(ctx, int64(runtime.NumGoroutine()))
	t.systemUptime.Record(ctx, time.Since(startTime).Seconds())
}
