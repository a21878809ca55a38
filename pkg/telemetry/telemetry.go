// ABOUTME: Core telemetry abstraction over OpenTelemetry for QStorage engine instrumentation
// ABOUTME: Provides metric recording, tracing and lifecycle management with a no-op fallback

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the abstraction components record metrics and spans through
// without depending on OpenTelemetry directly.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes pending data and stops all providers.
	Shutdown(ctx context.Context) error
}

// ComponentMetrics is implemented by the metrics of each component.
type ComponentMetrics interface {
	Close() error
}

// NoopTelemetry is used when telemetry is disabled.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and the span already in it.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration records the seconds elapsed since start in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// RecordBytes adds a byte count to a counter.
func RecordBytes(ctx context.Context, tel Telemetry, name string, bytes int64, attrs ...attribute.KeyValue) {
	tel.RecordCounter(ctx, name, bytes, attrs...)
}

// Attribute keys
const (
	AttrOperationType = "operation.type"
	AttrComponent     = "component"
	AttrStatus        = "status"
	AttrErrorType     = "error.type"
	AttrShardID       = "shard.id"
	AttrCodec         = "codec"
)

// Attribute values
const (
	OpTypeInsert = "insert"
	OpTypeGet    = "get"
	OpTypeRemove = "remove"
	OpTypeAppend = "append"
	OpTypePush   = "push"
	OpTypePull   = "pull"
	OpTypeFlush  = "flush"

	StatusSuccess = "success"
	StatusError   = "error"

	ComponentEngine = "engine"
	ComponentShard  = "shard"
	ComponentIndex  = "index"
)
