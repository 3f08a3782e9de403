package s3

import (
	"time"
)

// Config represents the object-bucket page store configuration
type Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// KeyPrefix namespaces all page objects within the bucket
	KeyPrefix string `yaml:"key_prefix"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	// EnableTransportOptimization sends every page upload through the
	// cargoship transporter first; an upload it fails falls back to
	// plain PutObject.
	EnableTransportOptimization bool `yaml:"enable_transport_optimization"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:                      "us-east-1",
		KeyPrefix:                   "pages",
		MaxRetries:                  3,
		ConnectTimeout:              10 * time.Second,
		RequestTimeout:              30 * time.Second,
		PoolSize:                    8,
		EnableTransportOptimization: true,
	}
}
