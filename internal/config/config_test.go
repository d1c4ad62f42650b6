package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 7*24*time.Hour, cfg.Cache.MaxDiskAge)
	assert.Equal(t, 6, cfg.Downloader.Concurrency)
	assert.Equal(t, 15*time.Second, cfg.Downloader.Timeout)
	assert.Equal(t, "fifo", cfg.Downloader.ExecutionOrder)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing root with disk enabled",
			mutate:  func(c *Config) { c.Cache.Root = "" },
			wantErr: true,
		},
		{
			name:   "missing root with disk disabled",
			mutate: func(c *Config) { c.Cache.Root = ""; c.Cache.DisableDisk = true },
		},
		{
			name:    "negative memory cost",
			mutate:  func(c *Config) { c.Cache.MaxMemoryCost = -1 },
			wantErr: true,
		},
		{
			name:    "bad execution order",
			mutate:  func(c *Config) { c.Downloader.ExecutionOrder = "random" },
			wantErr: true,
		},
		{
			name:   "lifo execution order",
			mutate: func(c *Config) { c.Downloader.ExecutionOrder = "lifo" },
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
cache:
  root: /var/cache/webimg
  max_disk_size: 1048576
  max_disk_age: 48h
downloader:
  concurrency: 2
  execution_order: lifo
  timeout: 30s
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/cache/webimg", cfg.Cache.Root)
	assert.Equal(t, int64(1048576), cfg.Cache.MaxDiskSize)
	assert.Equal(t, 48*time.Hour, cfg.Cache.MaxDiskAge)
	assert.Equal(t, 2, cfg.Downloader.Concurrency)
	assert.Equal(t, "lifo", cfg.Downloader.ExecutionOrder)
	assert.Equal(t, 30*time.Second, cfg.Downloader.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Values absent from the file keep their defaults.
	assert.Equal(t, 5, cfg.Log.MaxSize)
	assert.Equal(t, "./cache", DefaultConfig().Cache.Root)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadConfigInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("downloader:\n  execution_order: sideways\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
