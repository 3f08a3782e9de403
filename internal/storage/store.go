// Package storage provides the backing stores the page cache writes dirty
// pages to and reads cold pages from. Stores address data by file key and
// byte offset; offsets are page aligned, and a write that reaches the end
// of the file stops at the file size rather than at a page boundary.
package storage

import (
	"context"
)

// PageStore is the writeback target for cached pages. WritePages and
// ReadPages report how many bytes completed so callers can detect short
// transfers and re-dirty the tail.
type PageStore interface {
	// WritePages writes data at the given byte offset of the file and
	// returns the number of bytes that made it to the store.
	WritePages(ctx context.Context, fileKey string, offset uint64, data []byte) (uint64, error)

	// ReadPages fills buf from the given byte offset of the file and
	// returns the number of bytes read. Reading past the end of the file
	// returns zeroes for the missing tail.
	ReadPages(ctx context.Context, fileKey string, offset uint64, buf []byte) (uint64, error)

	// Sync makes previously written data durable.
	Sync(ctx context.Context, fileKey string) error

	// Truncate discards stored data at and beyond the given size.
	Truncate(ctx context.Context, fileKey string, size uint64) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
