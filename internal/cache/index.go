package cache

import (
	"container/list"

	"github.com/google/btree"

	"github.com/pagecache/pagecache/internal/fileobject"
	"github.com/pagecache/pagecache/pkg/errors"
)

const indexDegree = 16

// fileCache is the cache-owned per-file state rooted in the file
// object: the offset-ordered page index and the file's dirty list. All
// access happens under the file lock; the dirty list links are
// additionally guarded by the cache list mutex so flush can walk them
// under the shared file lock.
type fileCache struct {
	tree  *btree.BTreeG[*Entry]
	dirty *list.List
}

func entryLess(a, b *Entry) bool { return a.offset < b.offset }

// fileCacheOf returns the file's index if one has been created
func fileCacheOf(f *fileobject.FileObject) *fileCache {
	if d := f.CacheData; d != nil {
		return d.(*fileCache)
	}
	return nil
}

// ensureFileCache creates the per-file index on first use. Caller holds
// the file lock exclusively.
func ensureFileCache(f *fileobject.FileObject) *fileCache {
	if fc := fileCacheOf(f); fc != nil {
		return fc
	}
	fc := &fileCache{
		tree:  btree.NewG[*Entry](indexDegree, entryLess),
		dirty: list.New(),
	}
	f.CacheData = fc
	return fc
}

// lookupLocked finds the entry at offset. Caller holds the file lock.
func lookupLocked(f *fileobject.FileObject, offset uint64) *Entry {
	fc := fileCacheOf(f)
	if fc == nil {
		return nil
	}
	e, ok := fc.tree.Get(&Entry{offset: offset})
	if !ok {
		return nil
	}
	return e
}

// reviveLocked takes a reference on a found entry and pulls it off a
// clean list if it was parked there. Caller holds the file lock.
func (c *Cache) reviveLocked(e *Entry) {
	e.AddRef()
	c.listMu.Lock()
	if e.tag == listCleanLRU || e.tag == listCleanUnmapped {
		c.listRemoveLocked(e)
	}
	c.listMu.Unlock()
}

// Lookup finds the cached entry for the page at offset, taking a
// reference on it. The offset must be page aligned.
func (c *Cache) Lookup(f *fileobject.FileObject, offset uint64) *Entry {
	f.RLock()
	e := lookupLocked(f, offset)
	if e != nil {
		c.reviveLocked(e)
	}
	f.RUnlock()

	if c.metrics != nil {
		if e != nil {
			c.metrics.RecordLookupHit()
		} else {
			c.metrics.RecordLookupMiss()
		}
	}
	return e
}

// newEntryLocked builds and indexes an owning entry for the frame at
// phys. Caller holds the file lock exclusively.
func (c *Cache) newEntryLocked(f *fileobject.FileObject, offset, phys uint64) *Entry {
	e := c.alloc.get()
	e.cache = c
	e.file = f
	e.offset = offset
	e.phys.Store(phys)
	e.refcount.Store(1)
	e.flags.Store(flagOwner)

	fc := ensureFileCache(f)
	fc.tree.ReplaceOrInsert(e)
	e.inTree = true

	c.entryCount.Add(1)
	c.physicalPages.Add(1)
	c.mm.SetPageOwner(phys, e)
	return e
}

// linkNewFileEntryLocked indexes a new file-kind entry that shares the
// frame owned by the block-device entry link. Caller holds the file
// lock exclusively; link keeps ownership.
func (c *Cache) linkNewFileEntryLocked(f *fileobject.FileObject, offset uint64, link *Entry) *Entry {
	e := c.alloc.get()
	e.cache = c
	e.file = f
	e.offset = offset
	e.phys.Store(link.phys.Load())
	e.refcount.Store(1)
	e.backing.Store(link)
	link.AddRef()

	fc := ensureFileCache(f)
	fc.tree.ReplaceOrInsert(e)
	e.inTree = true

	c.entryCount.Add(1)
	if c.metrics != nil {
		c.metrics.RecordLink()
	}
	return e
}

// adoptFrameLocked indexes a new block-device entry that takes over
// ownership of the frame currently owned by the file-kind entry link.
// The mapped state follows the frame. Caller holds both file locks
// exclusively, link's file first.
func (c *Cache) adoptFrameLocked(f *fileobject.FileObject, offset uint64, link *Entry) *Entry {
	e := c.alloc.get()
	e.cache = c
	e.file = f
	e.offset = offset
	e.phys.Store(link.phys.Load())
	e.refcount.Store(1)

	old := link.flags.And(^(flagOwner | flagMapped))
	e.flags.Store(flagOwner | (old & flagMapped))
	if old&flagMapped != 0 {
		e.va.Store(link.va.Load())
	}

	link.backing.Store(e)
	e.AddRef()

	fc := ensureFileCache(f)
	fc.tree.ReplaceOrInsert(e)
	e.inTree = true

	c.entryCount.Add(1)
	c.mm.SetPageOwner(e.phys.Load(), e)
	if c.metrics != nil {
		c.metrics.RecordLink()
	}
	return e
}

// CreateOrLookup returns the entry at offset, creating one around the
// caller's frame when the page is not yet cached. The second result
// reports whether the entry was created. When link names an entry from
// the paired file and creation happens, the new entry shares link's
// frame instead of the caller's and the caller keeps its frame.
func (c *Cache) CreateOrLookup(f *fileobject.FileObject, va, phys, offset uint64, link *Entry) (*Entry, bool, error) {
	if offset != c.alignDown(offset) {
		return nil, false, errors.NewError(errors.ErrCodeInvalidParameter, "offset not page aligned").
			WithComponent("cache").WithOperation("CreateOrLookup").
			WithDetail("offset", offset)
	}

	// file-kind locks order before block-device locks
	var linkFile *fileobject.FileObject
	if link != nil && f.IsBlockDevice() && !link.file.IsBlockDevice() {
		linkFile = link.file
		linkFile.Lock()
	}

	f.Lock()
	if e := lookupLocked(f, offset); e != nil {
		c.reviveLocked(e)
		f.Unlock()
		if linkFile != nil {
			linkFile.Unlock()
		}
		if c.metrics != nil {
			c.metrics.RecordLookupHit()
		}
		return e, false, nil
	}

	var e *Entry
	switch {
	case link == nil:
		e = c.newEntryLocked(f, offset, phys)
	case linkFile != nil:
		e = c.adoptFrameLocked(f, offset, link)
	default:
		e = c.linkNewFileEntryLocked(f, offset, link)
	}

	if va != 0 {
		e.SetVA(va)
	}
	f.Unlock()
	if linkFile != nil {
		linkFile.Unlock()
	}
	c.updateMetrics()
	return e, true, nil
}

// CreateAndInsert creates an entry for a page known not to be cached.
// It fails when the offset is already indexed.
func (c *Cache) CreateAndInsert(f *fileobject.FileObject, va, phys, offset uint64) (*Entry, error) {
	if offset != c.alignDown(offset) {
		return nil, errors.NewError(errors.ErrCodeInvalidParameter, "offset not page aligned").
			WithComponent("cache").WithOperation("CreateAndInsert").
			WithDetail("offset", offset)
	}

	f.Lock()
	defer f.Unlock()

	if lookupLocked(f, offset) != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidState, "page already cached").
			WithComponent("cache").WithOperation("CreateAndInsert").
			WithDetail("key", f.Key()).WithDetail("offset", offset)
	}

	e := c.newEntryLocked(f, offset, phys)
	if va != 0 {
		e.SetVA(va)
	}
	c.updateMetrics()
	return e, nil
}

// treeRemoveLocked drops the entry from its file's index. Caller holds
// the file lock exclusively.
func treeRemoveLocked(e *Entry) {
	if !e.inTree {
		return
	}
	if fc := fileCacheOf(e.file); fc != nil {
		fc.tree.Delete(e)
	}
	e.inTree = false
}
