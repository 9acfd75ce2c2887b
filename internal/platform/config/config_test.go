package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "usagetrail/pkg/domain-errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "usagetrail", cfg.App.Name)
	assert.Equal(t, BusMemory, cfg.Bus.Driver)
	assert.Equal(t, time.Second, cfg.Bus.RedeliveryDelay)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.MetricsTimeout)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.AuditTimeout)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Empty(t, cfg.Listeners)
	assert.True(t, cfg.IsDev())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bus:
  driver: kafka
pipeline:
  metrics_store: redis
  audit_store: postgres
  audit_timeout: 3s
listeners:
  - domain: video
    pattern: "video.#"
    queue: VideoEvent
`), 0o600))
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,a:9092")
	t.Setenv("PIPELINE_AUDIT_TIMEOUT", "7s")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, BusKafka, cfg.Bus.Driver)
	assert.Equal(t, MetricsRedis, cfg.Pipeline.MetricsStore)
	assert.Equal(t, AuditPostgres, cfg.Pipeline.AuditStore)
	assert.Equal(t, 7*time.Second, cfg.Pipeline.AuditTimeout, "environment wins over the file")
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []Listener{{Domain: "video", Pattern: "video.#", Queue: "VideoEvent"}}, cfg.Listeners)
}

func TestLoad_MissingFileFallsBackToEnvironment(t *testing.T) {
	t.Setenv("PIPELINE_METRICS_STORE", "redis")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, MetricsRedis, cfg.Pipeline.MetricsStore)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown bus", func(c *Config) { c.Bus.Driver = "rabbit" }},
		{"kafka without brokers", func(c *Config) { c.Bus.Driver = BusKafka; c.Kafka.Brokers = nil }},
		{"influx without token", func(c *Config) { c.Pipeline.MetricsStore = MetricsInflux; c.Influx.Token = "" }},
		{"unknown metrics store", func(c *Config) { c.Pipeline.MetricsStore = "statsd" }},
		{"unknown audit store", func(c *Config) { c.Pipeline.AuditStore = "mysql" }},
		{"zero timeout", func(c *Config) { c.Pipeline.MetricsTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, dErrors.HasCode(err, dErrors.CodeMisconfigured), "got %v", err)
		})
	}
}
