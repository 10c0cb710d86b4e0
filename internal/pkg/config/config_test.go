package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 500, cfg.BufferSizeThreshold)
	assert.Equal(t, time.Second, cfg.BufferFlushInterval)
	assert.Equal(t, StreamRedis, cfg.StreamDriver)
	assert.Equal(t, []string{"email", "password", "credit_card", "ssn"}, cfg.PIIRedactionFields)
	assert.Empty(t, cfg.APIKeys)
	assert.GreaterOrEqual(t, cfg.WriterBulkChunkSize, cfg.WriterBatchSize, "a full writer batch must fit one bulk statement")
	assert.NoError(t, cfg.Validate())
	assert.Error(t, cfg.ValidateStore(), "STORE_DSN has no default")
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("STREAM_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("BUFFER_FLUSH_INTERVAL", "250ms")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("STORE_DSN", "file:events.db")
	t.Setenv("WRITER_STRATEGY", "staging")
	t.Setenv("API_KEYS", "a,b")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 250*time.Millisecond, cfg.BufferFlushInterval)
	assert.Equal(t, []string{"a", "b"}, cfg.APIKeys)
	assert.NoError(t, cfg.ValidateStore())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"kafka without brokers", func(c *Config) { c.StreamDriver = StreamKafka }},
		{"unknown stream", func(c *Config) { c.StreamDriver = "nats" }},
		{"zero threshold", func(c *Config) { c.BufferSizeThreshold = 0 }},
		{"zero partitions", func(c *Config) { c.StreamPartitions = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("bad strategy", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		cfg.StoreDSN = "postgres://localhost/events"
		cfg.WriterStrategy = "upsert"
		assert.Error(t, cfg.ValidateStore())
	})

	t.Run("negative chunk size", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		cfg.StoreDSN = "postgres://localhost/events"
		cfg.WriterBulkChunkSize = -1
		assert.Error(t, cfg.ValidateStore())
	})
}
