// ABOUTME: Tests for engine metrics against a recording telemetry and the real SDK provider
// ABOUTME: Checks operation, byte and recovery instruments are emitted with the expected names

package engine

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/KevoDB/qstorage/pkg/common/log"
	"github.com/KevoDB/qstorage/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type recordingTelemetry struct {
	telemetry.NoopTelemetry

	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string]int
	spans      []string
}

func newRecordingTelemetry() *recordingTelemetry {
	return &recordingTelemetry{counters: map[string]int64{}, histograms: map[string]int{}}
}

func (r *recordingTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += value
}

func (r *recordingTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[name]++
}

func (r *recordingTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	r.mu.Lock()
	r.spans = append(r.spans, name)
	r.mu.Unlock()
	return r.NoopTelemetry.StartSpan(ctx, name, attrs...)
}

func TestEngineMetrics_Recorded(t *testing.T) {
	rec := newRecordingTelemetry()
	e, err := Open(testConfig(t.TempDir()), WithLogger(log.NewDiscardLogger()), WithTelemetry(rec))
	require.NoError(t, err)

	require.NoError(t, e.Insert("a", []byte("hello")))
	_, err = e.Get("a")
	require.NoError(t, err)
	_, err = e.Push("b", bytes.NewReader([]byte("streamed")))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	rec.mu.Lock()
	defer rec.mu.Unlock()

	// insert, get, push and the flush done by Close
	assert.Equal(t, int64(4), rec.counters["qstorage.engine.operations.total"])
	assert.Equal(t, int64(5+5+8), rec.counters["qstorage.engine.bytes.total"])
	assert.Equal(t, 1, rec.histograms["qstorage.engine.startup.duration"])
	assert.Equal(t, 1, rec.histograms["qstorage.index.recovery.duration"])
	assert.Equal(t, 1, rec.histograms["qstorage.index.flush.duration"])
	assert.Equal(t, int64(1), rec.counters["qstorage.shard.count"])
	assert.Contains(t, rec.spans, "qstorage.engine.push")
	assert.Contains(t, rec.spans, "qstorage.engine.flush")
}

func TestEngineMetrics_SDKProvider(t *testing.T) {
	var out syncBuffer
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = true
	cfg.Output = &out

	tel, err := telemetry.New(cfg)
	require.NoError(t, err)

	e, err := Open(testConfig(t.TempDir()), WithLogger(log.NewDiscardLogger()), WithTelemetry(tel))
	require.NoError(t, err)
	require.NoError(t, e.Insert("k", []byte("v")))
	require.NoError(t, e.Close())
	require.NoError(t, tel.Shutdown(context.Background()))

	assert.Contains(t, out.String(), "qstorage.engine.operations.total")
	assert.Contains(t, out.String(), "qstorage.engine.flush")
}

func TestNoopEngineMetrics(t *testing.T) {
	m := NewNoopEngineMetrics()
	ctx, span := m.StartSpan(context.Background(), "flush")
	assert.NotNil(t, ctx)
	span.End()
	m.RecordOperation(ctx, "get", 0, true)
	assert.NoError(t, m.Close())

	assert.IsType(t, &noopEngineMetrics{}, NewEngineMetrics(nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
