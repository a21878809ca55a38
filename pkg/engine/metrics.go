// ABOUTME: Engine telemetry metrics for operation latency, throughput, flush and recovery
// ABOUTME: Wraps the telemetry interface so a disabled provider costs nothing

package engine

import (
	"context"
	"time"

	"github.com/KevoDB/qstorage/pkg/persist"
	"github.com/KevoDB/qstorage/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EngineMetrics defines the engine level telemetry operations.
type EngineMetrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records the duration and outcome of one API call.
	RecordOperation(ctx context.Context, operation string, duration time.Duration, success bool)

	// RecordBytes records value bytes moved by an operation.
	RecordBytes(ctx context.Context, operation string, bytes int64)

	// RecordFlush records an index flush.
	RecordFlush(ctx context.Context, duration time.Duration, keys, freeBlocks int)

	// RecordRecovery records what was rebuilt at startup.
	RecordRecovery(ctx context.Context, sum persist.Summary)

	// RecordStartup records the total time Start took.
	RecordStartup(ctx context.Context, duration time.Duration)

	// RecordError counts an error by type.
	RecordError(ctx context.Context, errorType string)

	// StartSpan starts a span for a longer running operation.
	StartSpan(ctx context.Context, operation string) (context.Context, trace.Span)
}

type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewEngineMetrics creates engine metrics. A nil tel gives a no-op.
func NewEngineMetrics(tel telemetry.Telemetry) EngineMetrics {
	if tel == nil {
		return &noopEngineMetrics{}
	}
	return &engineMetrics{tel: tel}
}

// NewNoopEngineMetrics creates a no-op EngineMetrics for tests.
func NewNoopEngineMetrics() EngineMetrics {
	return &noopEngineMetrics{}
}

func statusOf(success bool) string {
	if success {
		return telemetry.StatusSuccess
	}
	return telemetry.StatusError
}

func (m *engineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, operation),
		attribute.String(telemetry.AttrStatus, statusOf(success)),
	}

	m.tel.RecordHistogram(ctx, "qstorage.engine.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "qstorage.engine.operations.total", 1, attrs...)
}

func (m *engineMetrics) RecordBytes(ctx context.Context, operation string, bytes int64) {
	telemetry.RecordBytes(ctx, m.tel, "qstorage.engine.bytes.total", bytes,
		attribute.String(telemetry.AttrOperationType, operation),
	)
}

func (m *engineMetrics) RecordFlush(ctx context.Context, duration time.Duration, keys, freeBlocks int) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentIndex),
	}

	m.tel.RecordHistogram(ctx, "qstorage.index.flush.duration", duration.Seconds(), attrs...)
	m.tel.RecordHistogram(ctx, "qstorage.index.keys", float64(keys), attrs...)
	m.tel.RecordHistogram(ctx, "qstorage.index.free_blocks", float64(freeBlocks), attrs...)
}

func (m *engineMetrics) RecordRecovery(ctx context.Context, sum persist.Summary) {
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentIndex),
		attribute.Bool("fresh", sum.Fresh),
	}

	m.tel.RecordHistogram(ctx, "qstorage.index.recovery.duration", sum.Duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "qstorage.index.recovery.keys", int64(sum.Keys), attrs...)
	m.tel.RecordCounter(ctx, "qstorage.shard.count", int64(sum.Shards),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentShard),
	)
}

func (m *engineMetrics) RecordStartup(ctx context.Context, duration time.Duration) {
	m.tel.RecordHistogram(ctx, "qstorage.engine.startup.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
	)
}

func (m *engineMetrics) RecordError(ctx context.Context, errorType string) {
	m.tel.RecordCounter(ctx, "qstorage.engine.errors.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrErrorType, errorType),
	)
}

func (m *engineMetrics) StartSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return m.tel.StartSpan(ctx, "qstorage.engine."+operation,
		attribute.String(telemetry.AttrOperationType, operation),
	)
}

func (m *engineMetrics) Close() error {
	return nil
}

type noopEngineMetrics struct{}

func (n *noopEngineMetrics) RecordOperation(context.Context, string, time.Duration, bool) {}
func (n *noopEngineMetrics) RecordBytes(context.Context, string, int64)                   {}
func (n *noopEngineMetrics) RecordFlush(context.Context, time.Duration, int, int)         {}
func (n *noopEngineMetrics) RecordRecovery(context.Context, persist.Summary)              {}
func (n *noopEngineMetrics) RecordStartup(context.Context, time.Duration)                 {}
func (n *noopEngineMetrics) RecordError(context.Context, string)                          {}
func (n *noopEngineMetrics) Close() error                                                 { return nil }

func (n *noopEngineMetrics) StartSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}
