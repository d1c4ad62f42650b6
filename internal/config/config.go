// Package config defines the application configuration consumed by the
// webimg library and CLI. Library consumers pass these structs directly;
// the CLI populates them from a YAML file via viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete configuration.
type Config struct {
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Downloader DownloaderConfig `yaml:"downloader" mapstructure:"downloader"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// CacheConfig controls both cache tiers.
type CacheConfig struct {
	Root            string        `yaml:"root" mapstructure:"root"`                           // Disk cache directory
	SearchPaths     []string      `yaml:"search_paths" mapstructure:"search_paths"`           // Read-only fallback directories
	MaxMemoryCost   int64         `yaml:"max_memory_cost" mapstructure:"max_memory_cost"`     // Total in-memory pixel budget (0 = unlimited)
	MaxMemoryCount  int           `yaml:"max_memory_count" mapstructure:"max_memory_count"`   // Max in-memory entries (0 = unlimited)
	MaxDiskAge      time.Duration `yaml:"max_disk_age" mapstructure:"max_disk_age"`           // Disk record lifetime (0 = keep forever)
	MaxDiskSize     int64         `yaml:"max_disk_size" mapstructure:"max_disk_size"`         // Disk budget in bytes (0 = unlimited)
	DisableMemory   bool          `yaml:"disable_memory" mapstructure:"disable_memory"`       // Turn the memory tier off
	DisableDisk     bool          `yaml:"disable_disk" mapstructure:"disable_disk"`           // Turn the disk tier off
	JanitorSchedule string        `yaml:"janitor_schedule" mapstructure:"janitor_schedule"`   // Cron spec for periodic expiry (empty = off)
}

// DownloaderConfig controls the download coordinator.
type DownloaderConfig struct {
	Concurrency              int               `yaml:"concurrency" mapstructure:"concurrency"`
	ExecutionOrder           string            `yaml:"execution_order" mapstructure:"execution_order"` // "fifo" or "lifo"
	Timeout                  time.Duration     `yaml:"timeout" mapstructure:"timeout"`
	Username                 string            `yaml:"username" mapstructure:"username"`
	Password                 string            `yaml:"password" mapstructure:"password"`
	Progressive              bool              `yaml:"progressive" mapstructure:"progressive"`
	AllowInvalidCertificates bool              `yaml:"allow_invalid_certificates" mapstructure:"allow_invalid_certificates"`
	HandleCookies            bool              `yaml:"handle_cookies" mapstructure:"handle_cookies"`
	Headers                  map[string]string `yaml:"headers" mapstructure:"headers"`
}

// LogConfig controls logging output and rotation.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`               // Log file path (empty = console only)
	Level      string `yaml:"level" mapstructure:"level"`             // debug, info, warn, error
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // Max size in MB before rotation
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // Max age in days to keep files
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // Max number of old files to keep
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // Compress rotated files
}

// DefaultConfig returns the standard configuration: a week of disk
// retention, six parallel downloads, a 15 second transport timeout.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Root:       "./cache",
			MaxDiskAge: 7 * 24 * time.Hour,
		},
		Downloader: DownloaderConfig{
			Concurrency:    6,
			ExecutionOrder: "fifo",
			Timeout:        15 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    5,
			MaxAge:     14,
			MaxBackups: 5,
		},
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if !c.Cache.DisableDisk && c.Cache.Root == "" {
		return fmt.Errorf("cache.root is required unless the disk tier is disabled")
	}
	if c.Cache.MaxMemoryCost < 0 {
		return fmt.Errorf("cache.max_memory_cost must not be negative")
	}
	if c.Cache.MaxDiskSize < 0 {
		return fmt.Errorf("cache.max_disk_size must not be negative")
	}
	if c.Downloader.Concurrency < 0 {
		return fmt.Errorf("downloader.concurrency must not be negative")
	}
	switch c.Downloader.ExecutionOrder {
	case "", "fifo", "lifo":
	default:
		return fmt.Errorf("downloader.execution_order must be \"fifo\" or \"lifo\", got %q", c.Downloader.ExecutionOrder)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	return nil
}

// LoadConfig reads configuration from a YAML file, layered over defaults.
// An empty path searches for config.yaml in the working directory.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if configFile != "" {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		// No file found: defaults are a complete configuration.
		return cfg, nil
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
