// ABOUTME: OpenTelemetry SDK provider implementing Telemetry with meter and tracer providers
// ABOUTME: Caches instruments by name and shuts both providers down together

package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/KevoDB/qstorage"

// TelemetryProvider implements Telemetry using the OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Int64Counter
}

// New creates a telemetry instance. Disabled configurations get a no-op.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	metricExporters, err := createMetricExporters(cfg)
	if err != nil {
		return nil, err
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, exp := range metricExporters {
		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(cfg.MetricInterval),
			sdkmetric.WithTimeout(cfg.ExportTimeout),
		)))
	}

	traceExporters, err := createTraceExporters(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, exp := range traceExporters {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}

	mp := sdkmetric.NewMeterProvider(meterOpts...)
	tp := sdktrace.NewTracerProvider(traceOpts...)

	return &TelemetryProvider{
		config:         cfg,
		meterProvider:  mp,
		tracerProvider: tp,
		meter:          mp.Meter(instrumentationName),
		tracer:         tp.Tracer(instrumentationName),
		histograms:     make(map[string]metric.Float64Histogram),
		counters:       make(map[string]metric.Int64Counter),
	}, nil
}

// RecordHistogram records value in the histogram called name. Instrument
// creation errors drop the sample.
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	p.mu.Lock()
	h, ok := p.histograms[name]
	if !ok {
		var err error
		if h, err = p.meter.Float64Histogram(name); err != nil {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = h
	}
	p.mu.Unlock()

	h.Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter adds value to the counter called name.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	p.mu.Lock()
	c, ok := p.counters[name]
	if !ok {
		var err error
		if c, err = p.meter.Int64Counter(name); err != nil {
			p.mu.Unlock()
			return
		}
		p.counters[name] = c
	}
	p.mu.Unlock()

	c.Add(ctx, value, metric.WithAttributes(attrs...))
}

func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown exports what is pending and stops both providers.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("tracer provider: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("meter provider: %w", err))
	}
	return result.ErrorOrNil()
}
