// Package s3 implements the object-bucket page store. Every cached page
// maps to one object keyed by file and page offset, so writeback of a
// coalesced run fans out into bounded parallel puts.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	cargoconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	pcerrors "github.com/pagecache/pagecache/pkg/errors"
	"github.com/pagecache/pagecache/pkg/utils"
)

// StoreMetrics tracks page store performance
type StoreMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// Store implements the PageStore interface over an S3 bucket
type Store struct {
	client   *s3.Client
	bucket   string
	prefix   string
	pageSize uint64

	pool   *ConnectionPool
	config *Config

	transporter *cargoships3.Transporter
	logger      *utils.StructuredLogger

	mu      sync.RWMutex
	metrics StoreMetrics
}

// NewStore creates a page store over the configured bucket. The page size
// fixes the object granularity and must match the cache's provider.
func NewStore(ctx context.Context, cfg *Config, pageSize uint64, logger *utils.StructuredLogger) (*Store, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.Bucket == "" {
		return nil, pcerrors.NewError(pcerrors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent("s3store")
	}
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, pcerrors.NewError(pcerrors.ErrCodeInvalidParameter, "page size must be a power of two").
			WithComponent("s3store").WithDetail("page_size", pageSize)
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, pcerrors.NewError(pcerrors.ErrCodeConfigLoad, "failed to load AWS config").
			WithComponent("s3store").WithCause(err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}
	client := s3.NewFromConfig(awsCfg, clientOpts)

	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg, clientOpts), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	store := &Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.KeyPrefix,
		pageSize: pageSize,
		pool:     pool,
		config:   cfg,
		logger:   logger.WithComponent("s3store"),
	}

	if cfg.EnableTransportOptimization {
		cargoCfg := cargoconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       cargoconfig.StorageClassStandard,
			MultipartThreshold: 32 * 1024 * 1024,
			MultipartChunkSize: 16 * 1024 * 1024,
			Concurrency:        cfg.PoolSize,
		}
		store.transporter = cargoships3.NewTransporter(client, cargoCfg)
		store.logger.Info("Transport optimization enabled", map[string]interface{}{
			"bucket":      cfg.Bucket,
			"concurrency": cfg.PoolSize,
		})
	}

	if err := store.HealthCheck(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// pageKey builds the object key for one page of a file
func (s *Store) pageKey(fileKey string, pageOffset uint64) string {
	return fmt.Sprintf("%s/%s/%016x", s.prefix, fileKey, pageOffset)
}

// WritePages uploads the run one page object at a time with bounded
// parallelism. The returned byte count is the contiguous prefix that
// completed, so a failed page mid-run reports everything before it.
func (s *Store) WritePages(ctx context.Context, fileKey string, offset uint64, data []byte) (uint64, error) {
	start := time.Now()
	defer func() { s.recordMetrics(time.Since(start)) }()

	if offset%s.pageSize != 0 {
		return 0, pcerrors.NewError(pcerrors.ErrCodeInvalidParameter, "offset must be page aligned").
			WithComponent("s3store").WithOperation("WritePages").
			WithDetail("offset", offset)
	}

	pageCount := (uint64(len(data)) + s.pageSize - 1) / s.pageSize
	if pageCount == 0 {
		return 0, nil
	}

	pageErrs := make([]error, pageCount)
	sem := make(chan struct{}, s.config.PoolSize)
	var wg sync.WaitGroup

	for i := uint64(0); i < pageCount; i++ {
		wg.Add(1)
		go func(idx uint64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			lo := idx * s.pageSize
			hi := lo + s.pageSize
			if hi > uint64(len(data)) {
				hi = uint64(len(data))
			}
			pageErrs[idx] = s.putPage(ctx, fileKey, offset+lo, data[lo:hi])
		}(i)
	}
	wg.Wait()

	var completed uint64
	for i := uint64(0); i < pageCount; i++ {
		if pageErrs[i] != nil {
			s.recordError(pageErrs[i])
			return completed, pcerrors.NewError(pcerrors.ErrCodeStorageWrite, "page upload failed").
				WithComponent("s3store").WithOperation("WritePages").
				WithDetail("file", fileKey).
				WithDetail("offset", offset+completed).
				WithCause(pageErrs[i])
		}
		hi := (i + 1) * s.pageSize
		if hi > uint64(len(data)) {
			hi = uint64(len(data))
		}
		completed = hi
	}

	s.mu.Lock()
	s.metrics.BytesUploaded += int64(completed)
	s.mu.Unlock()

	return completed, nil
}

// putPage uploads one page, through the tuned transporter when available
func (s *Store) putPage(ctx context.Context, fileKey string, pageOffset uint64, data []byte) error {
	key := s.pageKey(fileKey, pageOffset)

	if s.transporter != nil {
		archive := cargoships3.Archive{
			Key:          key,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: cargoconfig.StorageClassStandard,
			Metadata: map[string]string{
				"pagecache-file":   fileKey,
				"pagecache-offset": strconv.FormatUint(pageOffset, 10),
			},
		}
		if _, err := s.transporter.Upload(ctx, archive); err == nil {
			return nil
		} else {
			s.logger.Warn("Optimized upload failed, falling back to PutObject", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}

	client := s.pool.Get()
	if client == nil {
		return fmt.Errorf("no client available for %s", key)
	}
	defer s.pool.Put(client)

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	return err
}

// ReadPages downloads the covered page objects in parallel. Missing pages
// read back as zeroes, matching sparse file semantics.
func (s *Store) ReadPages(ctx context.Context, fileKey string, offset uint64, buf []byte) (uint64, error) {
	start := time.Now()
	defer func() { s.recordMetrics(time.Since(start)) }()

	if offset%s.pageSize != 0 {
		return 0, pcerrors.NewError(pcerrors.ErrCodeInvalidParameter, "offset must be page aligned").
			WithComponent("s3store").WithOperation("ReadPages").
			WithDetail("offset", offset)
	}

	for i := range buf {
		buf[i] = 0
	}

	pageCount := (uint64(len(buf)) + s.pageSize - 1) / s.pageSize
	if pageCount == 0 {
		return 0, nil
	}

	pageErrs := make([]error, pageCount)
	sem := make(chan struct{}, s.config.PoolSize)
	var wg sync.WaitGroup

	for i := uint64(0); i < pageCount; i++ {
		wg.Add(1)
		go func(idx uint64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			lo := idx * s.pageSize
			hi := lo + s.pageSize
			if hi > uint64(len(buf)) {
				hi = uint64(len(buf))
			}
			pageErrs[idx] = s.getPage(ctx, fileKey, offset+lo, buf[lo:hi])
		}(i)
	}
	wg.Wait()

	var completed uint64
	for i := uint64(0); i < pageCount; i++ {
		if pageErrs[i] != nil {
			s.recordError(pageErrs[i])
			return completed, pcerrors.NewError(pcerrors.ErrCodeStorageRead, "page download failed").
				WithComponent("s3store").WithOperation("ReadPages").
				WithDetail("file", fileKey).
				WithDetail("offset", offset+completed).
				WithCause(pageErrs[i])
		}
		hi := (i + 1) * s.pageSize
		if hi > uint64(len(buf)) {
			hi = uint64(len(buf))
		}
		completed = hi
	}

	s.mu.Lock()
	s.metrics.BytesDownloaded += int64(completed)
	s.mu.Unlock()

	return completed, nil
}

// getPage downloads one page object into dst, leaving zeroes if absent
func (s *Store) getPage(ctx context.Context, fileKey string, pageOffset uint64, dst []byte) error {
	client := s.pool.Get()
	if client == nil {
		return fmt.Errorf("no client available")
	}
	defer s.pool.Put(client)

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.pageKey(fileKey, pageOffset)),
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			return nil
		}
		return err
	}
	defer result.Body.Close()

	_, err = io.ReadFull(result.Body, dst)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return nil
	}
	return err
}

// Sync is a no-op because each put is durable on completion
func (s *Store) Sync(ctx context.Context, fileKey string) error {
	return nil
}

// Truncate deletes page objects at and beyond the given size
func (s *Store) Truncate(ctx context.Context, fileKey string, size uint64) error {
	client := s.pool.Get()
	if client == nil {
		return fmt.Errorf("no client available")
	}
	defer s.pool.Put(client)

	prefix := fmt.Sprintf("%s/%s/", s.prefix, fileKey)
	var continuation *string

	for {
		listing, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return pcerrors.NewError(pcerrors.ErrCodeStorageWrite, "truncate listing failed").
				WithComponent("s3store").WithOperation("Truncate").
				WithDetail("file", fileKey).WithCause(err)
		}

		for _, obj := range listing.Contents {
			key := aws.ToString(obj.Key)
			pageOffset, perr := strconv.ParseUint(key[len(prefix):], 16, 64)
			if perr != nil {
				continue
			}
			if pageOffset < size {
				continue
			}
			if _, derr := client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			}); derr != nil {
				return pcerrors.NewError(pcerrors.ErrCodeStorageWrite, "truncate delete failed").
					WithComponent("s3store").WithOperation("Truncate").
					WithDetail("file", fileKey).WithDetail("key", key).WithCause(derr)
			}
		}

		if listing.IsTruncated == nil || !*listing.IsTruncated {
			break
		}
		continuation = listing.NextContinuationToken
	}

	return nil
}

// HealthCheck verifies the bucket is reachable
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return pcerrors.NewError(pcerrors.ErrCodeOperationFailed, "bucket health check failed").
			WithComponent("s3store").WithDetail("bucket", s.bucket).WithCause(err)
	}
	return nil
}

// GetMetrics returns current store metrics
func (s *Store) GetMetrics() StoreMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// Close releases pooled connections
func (s *Store) Close() error {
	return s.pool.Close()
}

// Helper methods

func (s *Store) recordMetrics(duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Requests++
	if s.metrics.Requests == 1 {
		s.metrics.AverageLatency = duration
	} else {
		s.metrics.AverageLatency = time.Duration(
			(int64(s.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (s *Store) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Errors++
	s.metrics.LastError = err.Error()
	s.metrics.LastErrorTime = time.Now()
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
