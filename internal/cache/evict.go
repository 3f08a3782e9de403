package cache

import (
	"github.com/pagecache/pagecache/internal/fileobject"
	"github.com/pagecache/pagecache/pkg/errors"
)

// Evict removes every cached page of f at or past offset. With no
// flags the pass is advisory and leaves referenced pages in place. A
// delete or truncate eviction takes everything: dirty pages are
// discarded without writeback, and pages something still references
// are detached from the index and parked on the removal list until the
// last reference goes away.
func (c *Cache) Evict(f *fileobject.FileObject, offset uint64, flags uint32) error {
	if offset != c.alignDown(offset) {
		return errors.NewError(errors.ErrCodeInvalidParameter, "offset not page aligned").
			WithComponent("cache").WithOperation("Evict").
			WithDetail("offset", offset)
	}

	f.Lock()
	fc := fileCacheOf(f)
	if fc == nil {
		f.Unlock()
		return nil
	}

	var victims []*Entry
	fc.tree.AscendGreaterOrEqual(&Entry{offset: offset}, func(e *Entry) bool {
		victims = append(victims, e)
		return true
	})

	var destroy []*Entry
	evicted := uint64(0)
	for _, e := range victims {
		if flags == 0 && e.refcount.Load() > 0 {
			continue
		}
		c.markCleanLocked(e, false)
		treeRemoveLocked(e)

		c.listMu.Lock()
		c.listRemoveLocked(e)
		if e.refcount.Load() == 0 {
			e.tag = listDestroy
			destroy = append(destroy, e)
		} else {
			c.listInsertTailLocked(e, listRemoval)
		}
		c.listMu.Unlock()
		evicted++
	}
	f.Unlock()

	c.destroyAll(destroy)

	if c.metrics != nil && evicted > 0 {
		c.metrics.RecordEviction(evicted, evictReason(flags))
	}
	c.updateMetrics()
	return nil
}

func evictReason(flags uint32) string {
	switch {
	case flags&EvictDelete != 0:
		return "delete"
	case flags&EvictTruncate != 0:
		return "truncate"
	default:
		return "advisory"
	}
}

// drainRemovalList destroys removal-list entries whose last reference
// has gone away since eviction detached them.
func (c *Cache) drainRemovalList() uint64 {
	var dead []*Entry
	c.listMu.Lock()
	el := c.removal.Front()
	for el != nil {
		next := el.Next()
		e := el.Value.(*Entry)
		if e.refcount.Load() == 0 {
			c.listRemoveLocked(e)
			e.tag = listDestroy
			dead = append(dead, e)
		}
		el = next
	}
	c.listMu.Unlock()

	c.destroyAll(dead)
	return uint64(len(dead))
}
