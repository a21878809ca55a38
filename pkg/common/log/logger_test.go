package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelDebug))

	cases := []struct {
		logf  func(string, ...interface{})
		label string
	}{
		{logger.Debug, "[DEBUG]"},
		{logger.Info, "[INFO]"},
		{logger.Warn, "[WARN]"},
		{logger.Error, "[ERROR]"},
	}
	for _, c := range cases {
		buf.Reset()
		c.logf("shard %d created", 3)
		assert.Contains(t, buf.String(), c.label)
		assert.Contains(t, buf.String(), "shard 3 created")
	}

	buf.Reset()
	logger.SetLevel(LevelError)
	logger.Info("hidden")
	logger.Error("visible")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
	assert.Equal(t, LevelError, logger.GetLevel())
}

func TestStandardLogger_FieldsAreSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf))

	child := logger.WithFields(map[string]interface{}{
		"shard":     2,
		"component": "store",
	}).WithField("dir", "/tmp/x")
	child.Info("opened")

	line := buf.String()
	require.Contains(t, line, "component=store dir=/tmp/x shard=2 opened")

	// The parent keeps its own (empty) field set.
	buf.Reset()
	logger.Info("parent")
	assert.False(t, strings.Contains(buf.String(), "component="))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiscardLogger(t *testing.T) {
	logger := NewDiscardLogger()
	// Must not panic or write anywhere.
	logger.Error("dropped %s", "message")
	assert.Greater(t, int(logger.GetLevel()), int(LevelFatal))
}

func TestDefaultLogger(t *testing.T) {
	original := defaultLogger
	defer func() { defaultLogger = original }()

	var buf bytes.Buffer
	SetDefaultLogger(NewStandardLogger(WithOutput(&buf)))

	Info("global info")
	assert.Contains(t, buf.String(), "global info")

	buf.Reset()
	WithField("global", true).Warn("with field")
	assert.Contains(t, buf.String(), "[WARN] global=true with field")

	buf.Reset()
	SetLevel(LevelError)
	Warn("suppressed")
	assert.Empty(t, buf.String())
	assert.Same(t, GetDefaultLogger(), defaultLogger)
}
