// Package fileobject models the files whose pages the cache holds. A file
// object carries the per-file lock, the storage key, and an opaque slot
// where the cache roots its page index and dirty list. The registry tracks
// which files currently have dirty pages so writeback can walk only those.
package fileobject

import (
	"sync"
	"sync/atomic"
)

// Kind classifies a file object
type Kind int

const (
	KindRegular Kind = iota
	KindBlockDevice
	KindPageFile
	KindSharedMemory
	KindSymlink
	KindPipe
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindBlockDevice:
		return "block_device"
	case KindPageFile:
		return "page_file"
	case KindSharedMemory:
		return "shared_memory"
	case KindSymlink:
		return "symlink"
	case KindPipe:
		return "pipe"
	default:
		return "unknown"
	}
}

// Cacheable reports whether pages of this kind belong in the cache
func (k Kind) Cacheable() bool {
	switch k {
	case KindRegular, KindBlockDevice, KindPageFile, KindSharedMemory:
		return true
	default:
		return false
	}
}

// Linkable reports whether pages of this kind may share frames across
// the block-device boundary.
func (k Kind) Linkable() bool {
	return k == KindRegular || k == KindBlockDevice
}

// FileObject represents one file known to the cache. The embedded RWMutex
// is the per-file lock: shared for reads and ordinary writes, exclusive
// for truncation and eviction. The cache takes it before its own locks.
type FileObject struct {
	sync.RWMutex

	id   uint64
	key  string
	kind Kind

	size atomic.Uint64
	refs atomic.Int32

	// CacheData is owned by the page cache. It holds the per-file page
	// index and dirty list and is never touched here.
	CacheData interface{}

	// registry bookkeeping, guarded by the registry mutex
	registry  *Registry
	dirty     bool
	dirtyNext *FileObject
	dirtyPrev *FileObject
}

// ID returns the unique file object ID
func (f *FileObject) ID() uint64 { return f.id }

// Key returns the backing store key
func (f *FileObject) Key() string { return f.key }

// Kind returns the file object kind
func (f *FileObject) Kind() Kind { return f.kind }

// IsBlockDevice reports whether the object fronts a block device
func (f *FileObject) IsBlockDevice() bool { return f.kind == KindBlockDevice }

// IsCacheable reports whether the object's pages belong in the cache
func (f *FileObject) IsCacheable() bool { return f.kind.Cacheable() }

// IsLinkable reports whether the object's pages may share frames
// across the block-device boundary.
func (f *FileObject) IsLinkable() bool { return f.kind.Linkable() }

// Ref takes a usage reference on the file object
func (f *FileObject) Ref() { f.refs.Add(1) }

// Unref drops a usage reference and returns the remaining count
func (f *FileObject) Unref() int32 { return f.refs.Add(-1) }

// RefCount returns the current usage reference count
func (f *FileObject) RefCount() int32 { return f.refs.Load() }

// Size returns the current file size in bytes
func (f *FileObject) Size() uint64 { return f.size.Load() }

// SetSize updates the file size. Callers hold the file lock when shrinking
// so in-flight writeback cannot resurrect truncated pages.
func (f *FileObject) SetSize(size uint64) { f.size.Store(size) }

// IsDirty reports whether the file is on the registry's dirty list
func (f *FileObject) IsDirty() bool {
	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()
	return f.dirty
}

// NotifyDirty moves the file onto the registry's dirty list. Called when
// the file gains its first dirty page.
func (f *FileObject) NotifyDirty() {
	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()

	if f.dirty {
		return
	}
	f.dirty = true
	f.registry.dirtyAppend(f)
}

// NotifyClean removes the file from the registry's dirty list. Called when
// the last dirty page is cleaned or removed.
func (f *FileObject) NotifyClean() {
	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()

	if !f.dirty {
		return
	}
	f.dirty = false
	f.registry.dirtyRemove(f)
}
