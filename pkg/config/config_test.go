package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "text-embedding-3-small", cfg.Providers.EmbeddingModel)
	assert.Equal(t, 1536, cfg.Providers.EmbeddingDimensions)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 20, cfg.Session.MaxHistoryLength)
	assert.True(t, cfg.Streaming.Enabled)
	assert.Equal(t, 80, cfg.Streaming.ChunkSize)
	assert.Equal(t, 2*time.Hour, cfg.Ingestion.TaskTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("PSEUDO_STREAMING_ENABLED", "false")
	t.Setenv("PSEUDO_STREAMING_CHUNK_SIZE", "120")
	t.Setenv("SESSION_IDLE_TIMEOUT", "15m")
	t.Setenv("CONSUMER_COUNT", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.False(t, cfg.Streaming.Enabled)
	assert.Equal(t, 120, cfg.Streaming.ChunkSize)
	assert.Equal(t, 15*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 8, cfg.Workers.ConsumerCount)
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CONSUMER_COUNT", "not-a-number")
	t.Setenv("SESSION_IDLE_TIMEOUT", "soon")
	t.Setenv("PSEUDO_STREAMING_ENABLED", "maybe")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Workers.ConsumerCount)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.True(t, cfg.Streaming.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing redis url",
			mutate:  func(c *Config) { c.Redis.URL = "" },
			wantErr: "REDIS_URL",
		},
		{
			name:    "zero consumers",
			mutate:  func(c *Config) { c.Workers.ConsumerCount = 0 },
			wantErr: "CONSUMER_COUNT",
		},
		{
			name:    "task ttl below an hour",
			mutate:  func(c *Config) { c.Ingestion.TaskTTL = 30 * time.Minute },
			wantErr: "INGESTION_TASK_TTL",
		},
		{
			name:    "zero chunk size",
			mutate:  func(c *Config) { c.Streaming.ChunkSize = 0 },
			wantErr: "PSEUDO_STREAMING_CHUNK_SIZE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("REDIS_URL", "redis://localhost:6379/0")
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
