package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pagecache/pagecache/pkg/errors"
)

// WriteRecord journals a single WritePages call
type WriteRecord struct {
	FileKey   string
	Offset    uint64
	Length    uint64
	Timestamp time.Time
}

// MemoryStore is an in-memory PageStore. Tests script write failures and
// short writes to exercise the re-dirty path; the journal records every
// write so coalescing behavior is observable.
type MemoryStore struct {
	mu    sync.Mutex
	files map[string][]byte

	journal []WriteRecord

	failWrites  int
	failReads   int
	failSyncs   int
	shortWrite  uint64
	writeDelay  time.Duration
	syncedFiles map[string]int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:       make(map[string][]byte),
		syncedFiles: make(map[string]int),
	}
}

// WritePages writes data at offset, growing the file as needed
func (s *MemoryStore) WritePages(ctx context.Context, fileKey string, offset uint64, data []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.NewError(errors.ErrCodeStorageWrite, "write canceled").
			WithComponent("memstore").WithOperation("WritePages").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeDelay > 0 {
		time.Sleep(s.writeDelay)
	}

	if s.failWrites > 0 {
		s.failWrites--
		return 0, errors.NewError(errors.ErrCodeStorageWrite, "scripted write failure").
			WithComponent("memstore").WithOperation("WritePages").
			WithDetail("file", fileKey).WithDetail("offset", offset)
	}

	length := uint64(len(data))
	if s.shortWrite > 0 && s.shortWrite < length {
		length = s.shortWrite
		s.shortWrite = 0
	}

	end := offset + length
	buf := s.files[fileKey]
	if uint64(len(buf)) < end {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:end], data[:length])
	s.files[fileKey] = buf

	s.journal = append(s.journal, WriteRecord{
		FileKey:   fileKey,
		Offset:    offset,
		Length:    length,
		Timestamp: time.Now(),
	})

	return length, nil
}

// ReadPages fills buf from offset, zero filling past the end of the file
func (s *MemoryStore) ReadPages(ctx context.Context, fileKey string, offset uint64, buf []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.NewError(errors.ErrCodeStorageRead, "read canceled").
			WithComponent("memstore").WithOperation("ReadPages").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failReads > 0 {
		s.failReads--
		return 0, errors.NewError(errors.ErrCodeStorageRead, "scripted read failure").
			WithComponent("memstore").WithOperation("ReadPages").
			WithDetail("file", fileKey).WithDetail("offset", offset)
	}

	for i := range buf {
		buf[i] = 0
	}

	data := s.files[fileKey]
	if offset >= uint64(len(data)) {
		return uint64(len(buf)), nil
	}

	copy(buf, data[offset:])
	return uint64(len(buf)), nil
}

// Sync records a durability point for the file
func (s *MemoryStore) Sync(ctx context.Context, fileKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSyncs > 0 {
		s.failSyncs--
		return errors.NewError(errors.ErrCodeStorageSync, "scripted sync failure").
			WithComponent("memstore").WithOperation("Sync").
			WithDetail("file", fileKey)
	}

	s.syncedFiles[fileKey]++
	return nil
}

// Truncate discards data at and beyond size
func (s *MemoryStore) Truncate(ctx context.Context, fileKey string, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[fileKey]
	if !ok {
		return nil
	}
	if uint64(len(data)) > size {
		s.files[fileKey] = data[:size]
	}
	return nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// Close releases nothing but satisfies PageStore
func (s *MemoryStore) Close() error { return nil }

// Scripting hooks for tests.

// FailNextWrites makes the next n WritePages calls fail
func (s *MemoryStore) FailNextWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = n
}

// FailNextReads makes the next n ReadPages calls fail
func (s *MemoryStore) FailNextReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = n
}

// FailNextSyncs makes the next n Sync calls fail
func (s *MemoryStore) FailNextSyncs(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSyncs = n
}

// ShortWriteNext truncates the next write to the given byte count
func (s *MemoryStore) ShortWriteNext(bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shortWrite = bytes
}

// SetWriteDelay slows every write down, for contention tests
func (s *MemoryStore) SetWriteDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDelay = d
}

// Inspection hooks.

// FileData returns a copy of the stored bytes for a file
func (s *MemoryStore) FileData(fileKey string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.files[fileKey]
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// FileSize returns the stored length of a file
func (s *MemoryStore) FileSize(fileKey string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.files[fileKey]))
}

// Journal returns a copy of the write journal
func (s *MemoryStore) Journal() []WriteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WriteRecord, len(s.journal))
	copy(out, s.journal)
	return out
}

// ClearJournal resets the write journal
func (s *MemoryStore) ClearJournal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = nil
}

// SyncCount returns how many times a file was synced
func (s *MemoryStore) SyncCount(fileKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncedFiles[fileKey]
}
