package storage

import (
	"context"
	"fmt"

	"github.com/pagecache/pagecache/internal/config"
	"github.com/pagecache/pagecache/internal/storage/s3"
	"github.com/pagecache/pagecache/pkg/utils"
)

// NewPageStore builds the backing store selected by the configuration.
// An empty backend falls back to the in-process memory store.
func NewPageStore(ctx context.Context, cfg config.StorageConfig, pageSize uint64, logger *utils.StructuredLogger) (PageStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "s3":
		s3cfg := s3.NewDefaultConfig()
		if cfg.S3.Region != "" {
			s3cfg.Region = cfg.S3.Region
		}
		s3cfg.Bucket = cfg.S3.Bucket
		s3cfg.Endpoint = cfg.S3.Endpoint
		s3cfg.ForcePathStyle = cfg.S3.ForcePathStyle
		s3cfg.AccessKeyID = cfg.S3.AccessKeyID
		s3cfg.SecretAccessKey = cfg.S3.SecretAccessKey
		s3cfg.EnableTransportOptimization = cfg.S3.EnableTransportOptimization
		if cfg.S3.MaxRetries > 0 {
			s3cfg.MaxRetries = cfg.S3.MaxRetries
		}
		if cfg.S3.PoolSize > 0 {
			s3cfg.PoolSize = cfg.S3.PoolSize
		}
		return s3.NewStore(ctx, s3cfg, pageSize, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
