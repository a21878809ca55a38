// ABOUTME: Tests for the telemetry interface helpers and the no-op implementation
// ABOUTME: Verifies recording and span creation never fail when telemetry is disabled

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopTelemetry(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	tel.RecordHistogram(ctx, "test.histogram", 1.5, attribute.String("key", "value"))
	tel.RecordCounter(ctx, "test.counter", 10, attribute.String("key", "value"))

	spanCtx, span := tel.StartSpan(ctx, "test.span", attribute.String("test", "value"))
	assert.NotNil(t, spanCtx)
	assert.NotNil(t, span)
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, tel.Shutdown(ctx))
}

type recordingTelemetry struct {
	NoopTelemetry
	histograms map[string]float64
	counters   map[string]int64
}

func (r *recordingTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	r.histograms[name] = value
}

func (r *recordingTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	r.counters[name] += value
}

func TestHelpers(t *testing.T) {
	rec := &recordingTelemetry{histograms: map[string]float64{}, counters: map[string]int64{}}
	ctx := context.Background()

	RecordDuration(ctx, rec, "op.duration", time.Now().Add(-time.Second))
	RecordBytes(ctx, rec, "op.bytes", 100)
	RecordBytes(ctx, rec, "op.bytes", 28)

	assert.GreaterOrEqual(t, rec.histograms["op.duration"], 1.0)
	assert.Equal(t, int64(128), rec.counters["op.bytes"])
}
