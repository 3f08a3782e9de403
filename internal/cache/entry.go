package cache

import (
	"container/list"
	"sync/atomic"

	"github.com/pagecache/pagecache/internal/fileobject"
)

// Entry flag bits. Transitions with accounting side effects use
// fetch-and-or / fetch-and-and and act on the observed transition only.
const (
	flagDirty  uint32 = 0x1
	flagOwner  uint32 = 0x2
	flagMapped uint32 = 0x4
)

// maxEntryRefs bounds the reference count; crossing it is a leak.
const maxEntryRefs = 4096

// Entry is one cached page and its metadata
type Entry struct {
	cache  *Cache
	file   *fileobject.FileObject
	offset uint64

	phys atomic.Uint64
	va   atomic.Uint64

	backing  atomic.Pointer[Entry]
	refcount atomic.Int32
	flags    atomic.Uint32

	// list membership, guarded by the cache list mutex
	tag  listTag
	elem *list.Element

	// tree membership, guarded by the file lock
	inTree bool
}

// File returns the owning file object
func (e *Entry) File() *fileobject.FileObject { return e.file }

// Offset returns the page-aligned file offset
func (e *Entry) Offset() uint64 { return e.offset }

// Phys returns the physical address of the frame the entry maps
func (e *Entry) Phys() uint64 { return e.phys.Load() }

// RefCount returns the current reference count
func (e *Entry) RefCount() int32 { return e.refcount.Load() }

// IsDirty reports whether the page content differs from the store
func (e *Entry) IsDirty() bool { return e.flags.Load()&flagDirty != 0 }

// IsOwner reports whether the entry owns its physical frame
func (e *Entry) IsOwner() bool { return e.flags.Load()&flagOwner != 0 }

// IsMapped reports whether the owner holds a kernel virtual mapping
func (e *Entry) IsMapped() bool { return e.flags.Load()&flagMapped != 0 }

// Backing returns the owner entry this entry shares a frame with, or nil
func (e *Entry) Backing() *Entry { return e.backing.Load() }

// owner resolves the entry that owns the frame
func (e *Entry) owner() *Entry {
	if b := e.backing.Load(); b != nil {
		return b
	}
	return e
}

// AddRef takes a reference on the entry
func (e *Entry) AddRef() {
	if prev := e.refcount.Add(1); prev >= maxEntryRefs {
		panic("page cache entry reference count out of bounds")
	}
}

// Release drops a reference. When the last reference goes away and the
// entry is clean and detached from every list, it parks on the tail of
// the clean LRU so trim can find it. Conditions are rechecked under the
// list lock because a racing lookup may have already re-referenced it.
func (e *Entry) Release() {
	c := e.cache
	prev := e.refcount.Add(-1) + 1
	if prev <= 0 {
		panic("page cache entry over-released")
	}
	if prev != 1 {
		return
	}
	if e.flags.Load()&flagDirty != 0 {
		return
	}

	c.listMu.Lock()
	if e.refcount.Load() == 0 && e.tag == listNone && e.flags.Load()&flagDirty == 0 {
		c.listInsertTailLocked(e, listCleanLRU)
	}
	c.listMu.Unlock()
}

// VA returns the kernel virtual address of the entry's frame, pulling the
// backing owner's address in lazily when this entry never saw it.
func (e *Entry) VA() uint64 {
	va := e.va.Load()
	if va != 0 {
		return va
	}
	b := e.backing.Load()
	if b == nil {
		return 0
	}
	va = b.va.Load()
	if va != 0 {
		// Idempotent under races: every writer stores the same value
		e.va.CompareAndSwap(0, va)
	}
	return va
}

// SetVA attaches a virtual address to the entry's owner. Only the caller
// that wins the 0 to 1 mapped transition stores the address and bumps the
// counters; everyone else reports false.
func (e *Entry) SetVA(va uint64) bool {
	c := e.cache
	if c.disableVA || va == 0 {
		return false
	}

	target := e.owner()
	for {
		old := target.flags.Load()
		if old&flagMapped != 0 {
			return false
		}
		if target.flags.CompareAndSwap(old, old|flagMapped) {
			target.va.Store(va)
			c.mappedPages.Add(1)
			if old&flagDirty != 0 {
				c.mappedDirtyPages.Add(1)
			}
			if target != e {
				e.va.Store(va)
			}
			return true
		}
	}
}
