// ABOUTME: Tests for telemetry configuration defaults, validation and environment overrides
// ABOUTME: Uses t.Setenv so overrides never leak between tests

package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "qstorage", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, []string{ExporterStdout}, cfg.Exporters)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty service name", func(c *Config) { c.ServiceName = "" }, "service_name"},
		{"empty service version", func(c *Config) { c.ServiceVersion = "" }, "service_version"},
		{"sample rate too high", func(c *Config) { c.SampleRate = 1.5 }, "sample_rate"},
		{"negative sample rate", func(c *Config) { c.SampleRate = -0.1 }, "sample_rate"},
		{"zero metric interval", func(c *Config) { c.MetricInterval = 0 }, "metric_interval"},
		{"zero export timeout", func(c *Config) { c.ExportTimeout = 0 }, "export_timeout"},
		{"zero batch timeout", func(c *Config) { c.BatchTimeout = 0 }, "batch_timeout"},
		{"zero queue", func(c *Config) { c.MaxQueueSize = 0 }, "max_queue_size"},
		{"batch larger than queue", func(c *Config) { c.MaxExportBatchSize = c.MaxQueueSize + 1 }, "max_export_batch_size"},
		{"unknown exporter", func(c *Config) { c.Exporters = []string{"jaeger"} }, "invalid exporter"},
		{"otlp without endpoint", func(c *Config) {
			c.Exporters = []string{ExporterOTLP}
			c.OTLPEndpoint = ""
		}, "otlp_endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("QSTORAGE_TELEMETRY_SERVICE_NAME", "bench")
	t.Setenv("QSTORAGE_TELEMETRY_ENABLED", "true")
	t.Setenv("QSTORAGE_TELEMETRY_EXPORTERS", "stdout, otlp")
	t.Setenv("QSTORAGE_TELEMETRY_SAMPLE_RATE", "0.25")
	t.Setenv("QSTORAGE_TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("QSTORAGE_TELEMETRY_METRIC_INTERVAL", "10s")
	t.Setenv("QSTORAGE_TELEMETRY_BATCH_TIMEOUT", "not-a-duration")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	assert.Equal(t, "bench", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, []string{ExporterStdout, ExporterOTLP}, cfg.Exporters)
	assert.Equal(t, 0.25, cfg.SampleRate)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 10*time.Second, cfg.MetricInterval)
	assert.Equal(t, DefaultConfig().BatchTimeout, cfg.BatchTimeout, "invalid values are ignored")
	assert.True(t, cfg.HasExporter(ExporterOTLP))
	assert.False(t, cfg.HasExporter("prometheus"))
}
