package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete page cache configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Worker     WorkerConfig     `yaml:"worker"`
	Storage    StorageConfig    `yaml:"storage"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// CacheConfig represents the cache tuning knobs. Zero values mean "use the
// built-in default" so a partial YAML file stays valid.
type CacheConfig struct {
	// PageSize overrides the provider's page size; tests only.
	PageSize uint64 `yaml:"page_size"`

	// Flush batching
	FlushMaxBytes  uint64 `yaml:"flush_max_bytes"`
	MaxCleanStreak int    `yaml:"max_clean_streak"`

	// Physical pressure thresholds, in percent of total physical memory
	TriggerPercent       int `yaml:"trigger_percent"`
	RetreatPercent       int `yaml:"retreat_percent"`
	MinimumPercent       int `yaml:"minimum_percent"`
	MinimumTargetPercent int `yaml:"minimum_target_percent"`

	// Entry allocation slab hint
	BlockAllocExpansion int `yaml:"block_alloc_expansion"`

	// DisableVirtualAddresses drops kernel VAs eagerly; entries keep
	// frames only.
	DisableVirtualAddresses bool `yaml:"disable_virtual_addresses"`

	// VerifyDirtyLists enables the debug consistency walk of per-file
	// dirty lists.
	VerifyDirtyLists bool `yaml:"verify_dirty_lists"`
}

// WorkerConfig represents background worker settings
type WorkerConfig struct {
	CleanDelay time.Duration `yaml:"clean_delay"`
}

// StorageConfig selects and configures the backing page store
type StorageConfig struct {
	Backend string   `yaml:"backend"` // "memory" or "s3"
	S3      S3Config `yaml:"s3"`
}

// S3Config configures the object-bucket page store
type S3Config struct {
	Region                      string `yaml:"region"`
	Bucket                      string `yaml:"bucket"`
	Endpoint                    string `yaml:"endpoint"`
	ForcePathStyle              bool   `yaml:"force_path_style"`
	AccessKeyID                 string `yaml:"access_key_id"`
	SecretAccessKey             string `yaml:"secret_access_key"`
	MaxRetries                  int    `yaml:"max_retries"`
	PoolSize                    int    `yaml:"pool_size"`
	EnableTransportOptimization bool   `yaml:"enable_transport_optimization"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// NewDefault returns a configuration with the stock thresholds
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			MetricsPort: 8080,
		},
		Cache: CacheConfig{
			FlushMaxBytes:        128 * 1024,
			MaxCleanStreak:       4,
			TriggerPercent:       10,
			RetreatPercent:       15,
			MinimumPercent:       7,
			MinimumTargetPercent: 33,
			BlockAllocExpansion:  64,
		},
		Worker: WorkerConfig{
			CleanDelay: 5000 * time.Millisecond,
		},
		Storage: StorageConfig{
			Backend: "memory",
			S3: S3Config{
				Region:     "us-east-1",
				MaxRetries: 3,
				PoolSize:   8,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
				CustomLabels: map[string]string{
					"service": "pagecache",
				},
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("PAGECACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("PAGECACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("PAGECACHE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	if val := os.Getenv("PAGECACHE_CLEAN_DELAY"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Worker.CleanDelay = duration
		}
	}

	if val := os.Getenv("PAGECACHE_STORAGE_BACKEND"); val != "" {
		c.Storage.Backend = val
	}
	if val := os.Getenv("PAGECACHE_S3_REGION"); val != "" {
		c.Storage.S3.Region = val
	}
	if val := os.Getenv("PAGECACHE_S3_BUCKET"); val != "" {
		c.Storage.S3.Bucket = val
	}
	if val := os.Getenv("PAGECACHE_S3_ENDPOINT"); val != "" {
		c.Storage.S3.Endpoint = val
	}

	if val := os.Getenv("PAGECACHE_DISABLE_VIRTUAL_ADDRESSES"); val != "" {
		c.Cache.DisableVirtualAddresses = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PAGECACHE_VERIFY_DIRTY_LISTS"); val != "" {
		c.Cache.VerifyDirtyLists = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Cache.TriggerPercent < 0 || c.Cache.TriggerPercent > 100 {
		return fmt.Errorf("trigger_percent must be between 0 and 100")
	}
	if c.Cache.RetreatPercent < c.Cache.TriggerPercent {
		return fmt.Errorf("retreat_percent must not be below trigger_percent")
	}
	if c.Cache.MinimumPercent < 0 || c.Cache.MinimumPercent > c.Cache.TriggerPercent {
		return fmt.Errorf("minimum_percent must be between 0 and trigger_percent")
	}
	if c.Cache.MaxCleanStreak < 0 {
		return fmt.Errorf("max_clean_streak must not be negative")
	}
	if c.Cache.FlushMaxBytes != 0 && c.Cache.FlushMaxBytes%4096 != 0 {
		return fmt.Errorf("flush_max_bytes must be page aligned")
	}
	if c.Worker.CleanDelay < 0 {
		return fmt.Errorf("clean_delay must not be negative")
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3 backend requires a bucket")
		}
		if c.Storage.S3.PoolSize <= 0 {
			return fmt.Errorf("s3 pool_size must be greater than 0")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	validLogLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
