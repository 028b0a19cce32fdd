package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "bubbledrift", cfg.Name)
	assert.Equal(t, 50, cfg.Metadata.BatchSize)
	assert.Equal(t, 5, cfg.Metadata.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.GetBackoff())
	assert.Equal(t, 0.2, cfg.Puppet.Train.Margin)
	assert.Equal(t, 100, cfg.Puppet.Train.Depth)
	assert.Equal(t, 200, cfg.Puppet.Drift.Depth)
	assert.Equal(t, 30*time.Second, cfg.Puppet.Drift.Dwell())
	assert.Equal(t, time.Second, cfg.GetPollInterval())
	require.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("YOUTUBE_API_KEYS", "")
	t.Setenv("BUBBLEDRIFT_DB", "")

	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Metadata.APIKeys = []string{"k1", "k2"}
	cfg.Puppet.Drift.Depth = 4
	cfg.Batch.Format = "jsonl"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, loaded.Metadata.APIKeys)
	assert.Equal(t, 4, loaded.Puppet.Drift.Depth)
	assert.Equal(t, "jsonl", loaded.Batch.Format)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("YOUTUBE_API_KEYS", "")
	t.Setenv("BUBBLEDRIFT_DB", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Store.Path, cfg.Store.Path)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("YOUTUBE_API_KEYS", " a, b ,,c ")
	t.Setenv("BUBBLEDRIFT_DB", "/tmp/x.db")
	t.Setenv("BUBBLEDRIFT_HEADLESS", "false")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, []string{"a", "b", "c"}, cfg.Metadata.APIKeys)
	assert.Equal(t, "/tmp/x.db", cfg.Store.Path)
	assert.False(t, cfg.Browser.Headless)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"batch too large", func(c *Config) { c.Metadata.BatchSize = 51 }},
		{"zero drift depth", func(c *Config) { c.Puppet.Drift.Depth = 0 }},
		{"indivisible batch", func(c *Config) { c.Batch.Puppets = 7 }},
		{"bad format", func(c *Config) { c.Batch.Format = "parquet" }},
		{"no slants", func(c *Config) { c.Batch.Slants = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_ValidateMetadata(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.ValidateMetadata())
	cfg.Metadata.APIKeys = []string{"k"}
	assert.NoError(t, cfg.ValidateMetadata())
}

func TestConfig_DurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metadata.Backoff = "garbage"
	cfg.Browser.StallTimeout = "-1s"
	assert.Equal(t, 5*time.Second, cfg.GetBackoff())
	assert.Equal(t, 5*time.Minute, cfg.GetStallTimeout())
}

func TestLoggingConfig_IsCategoryEnabled(t *testing.T) {
	c := LoggingConfig{}
	assert.True(t, c.IsCategoryEnabled("store"))
	c.Categories = map[string]bool{"store": false}
	assert.False(t, c.IsCategoryEnabled("store"))
	assert.True(t, c.IsCategoryEnabled("puppet"))
}
