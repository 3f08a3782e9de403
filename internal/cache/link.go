package cache

import "github.com/pagecache/pagecache/internal/fileobject"

// A frame is shared between at most two entries: a block-device entry
// and a file entry for the same on-disk block. One of them owns the
// frame, the other points at it through its backing reference and holds
// a reference on the owner.

// CanLink reports whether e's frame could be shared with a page of f.
// The entry must own its frame outright and sit on the other side of
// the block-device boundary from f.
func (c *Cache) CanLink(e *Entry, f *fileobject.FileObject) bool {
	if e == nil || !e.IsOwner() || e.Backing() != nil {
		return false
	}
	return e.file.IsBlockDevice() != f.IsBlockDevice()
}

// LinkEntries collapses the two frames behind the block-device entry
// lower and the file entry upper into one. Lower adopts upper's frame
// and mapped state so the data the file side populated survives; lower's
// original frame is unmapped and freed, and upper keeps a reference on
// lower for as long as the link lasts. The return reports whether the
// pair is linked: an upper already linked to lower reports true without
// any change, while a dirty upper or one linked elsewhere refuses.
func (c *Cache) LinkEntries(lower, upper *Entry) bool {
	if lower == nil || upper == nil {
		return false
	}
	if !lower.file.IsBlockDevice() || !upper.file.IsLinkable() || upper.file.IsBlockDevice() {
		return false
	}

	// file-kind locks order before block-device locks
	upper.file.Lock()
	lower.file.Lock()
	defer lower.file.Unlock()
	defer upper.file.Unlock()

	if upper.backing.Load() == lower {
		return true
	}
	if !lower.inTree || !upper.inTree {
		return false
	}
	if !lower.IsOwner() || lower.Backing() != nil || lower.refcount.Load() != 1 {
		return false
	}
	if !upper.IsOwner() || upper.Backing() != nil || upper.IsDirty() {
		return false
	}

	displaced := lower.phys.Load()
	if lower.flags.Load()&flagMapped != 0 {
		c.mm.UnmapRange(lower.va.Load(), c.pageSize)
		c.mappedPages.Add(-1)
		if lower.flags.Load()&flagDirty != 0 {
			c.mappedDirtyPages.Add(-1)
		}
		lower.flags.And(^flagMapped)
	}

	old := upper.flags.And(^(flagOwner | flagMapped))
	lower.phys.Store(upper.phys.Load())
	if old&flagMapped != 0 {
		lower.va.Store(upper.va.Load())
		lower.flags.Or(flagMapped)
		if lower.flags.Load()&flagDirty != 0 {
			c.mappedDirtyPages.Add(1)
		}
	} else {
		lower.va.Store(0)
	}

	c.mm.FreePage(displaced)
	c.physicalPages.Add(-1)
	c.mm.SetPageOwner(lower.phys.Load(), lower)

	upper.backing.Store(lower)
	lower.AddRef()

	if c.metrics != nil {
		c.metrics.RecordLink()
	}
	c.updateMetrics()
	return true
}
