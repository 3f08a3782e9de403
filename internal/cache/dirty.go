package cache

// Dirty state lives on the frame owner. The per-file dirty list keeps
// entries in first-dirtied order; its links are guarded by the cache
// list mutex so flush can walk it under the shared file lock.

// MarkDirty records that the page content diverged from the store. It
// reports whether this call made the transition; a false return means
// the page was already dirty.
func (c *Cache) MarkDirty(e *Entry) bool {
	for {
		target := e.owner()
		if target.flags.Load()&flagDirty != 0 {
			return false
		}
		f := target.file
		f.RLock()
		// Ownership can move while the lock is taken; start over if
		// the frame changed hands.
		if e.owner() != target {
			f.RUnlock()
			continue
		}
		won := c.markDirtyLocked(target)
		f.RUnlock()
		return won
	}
}

// markDirtyLocked is MarkDirty for callers already holding the owner's
// file lock in either mode.
func (c *Cache) markDirtyLocked(target *Entry) bool {
	var old uint32
	for {
		old = target.flags.Load()
		if old&flagDirty != 0 {
			return false
		}
		if target.flags.CompareAndSwap(old, old|flagDirty) {
			break
		}
	}

	c.dirtyPages.Add(1)
	if old&flagMapped != 0 {
		c.mappedDirtyPages.Add(1)
	}

	fc := fileCacheOf(target.file)
	c.listMu.Lock()
	if target.tag == listCleanLRU || target.tag == listCleanUnmapped {
		c.listRemoveLocked(target)
	}
	if target.tag == listNone && fc != nil {
		target.tag = listDirty
		target.elem = fc.dirty.PushBack(target)
	}
	c.listMu.Unlock()

	target.file.NotifyDirty()
	c.ScheduleWorker()
	return true
}

// MarkClean records that the page content matches the store again. It
// reports whether this call made the transition, which is the token a
// writer needs before it may write the page out. When move is set and
// nothing references the entry it is parked on the clean LRU.
func (c *Cache) MarkClean(e *Entry, move bool) bool {
	target := e.owner()
	f := target.file
	f.RLock()
	won := c.markCleanLocked(target, move)
	f.RUnlock()
	return won
}

// markCleanLocked is MarkClean for callers already holding the owner's
// file lock in either mode.
func (c *Cache) markCleanLocked(target *Entry, move bool) bool {
	var old uint32
	for {
		old = target.flags.Load()
		if old&flagDirty == 0 {
			return false
		}
		if target.flags.CompareAndSwap(old, old&^flagDirty) {
			break
		}
	}

	c.dirtyPages.Add(-1)
	if old&flagMapped != 0 {
		c.mappedDirtyPages.Add(-1)
	}

	fc := fileCacheOf(target.file)
	lastDirty := false
	c.listMu.Lock()
	if target.tag == listDirty {
		fc.dirty.Remove(target.elem)
		target.listDetachLocked()
	}
	if fc != nil {
		lastDirty = fc.dirty.Len() == 0
	}
	if move && target.tag == listNone && target.refcount.Load() == 0 {
		c.listInsertTailLocked(target, listCleanLRU)
	}
	c.listMu.Unlock()

	if lastDirty {
		target.file.NotifyClean()
	}
	return true
}

// verifyDirtyListLocked cross-checks a file's dirty list against entry
// flags. Enabled by configuration for debugging runs; violations are
// logged, not fatal. Caller holds the file lock.
func (c *Cache) verifyDirtyListLocked(fc *fileCache) {
	if !c.verifyDirtyLists || fc == nil {
		return
	}
	c.listMu.Lock()
	for el := fc.dirty.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if e.tag != listDirty || e.flags.Load()&flagDirty == 0 {
			c.logger.Error("dirty list entry in wrong state", map[string]interface{}{
				"key":    e.file.Key(),
				"offset": e.offset,
				"tag":    int(e.tag),
				"flags":  e.flags.Load(),
			})
		}
	}
	c.listMu.Unlock()
}
