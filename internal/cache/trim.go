package cache

import (
	"sort"
	"time"

	"github.com/pagecache/pagecache/pkg/errors"
)

// Trim evicts clean pages until free physical memory is back above the
// retreat line, never shrinking the cache below its minimum share.
// Unmapped pages go first. When kernel address space is also tight the
// pass strips virtual mappings off clean pages, and when the cache is
// still under its minimum target while free memory is below the trigger
// line it asks the provider to page other consumers out instead.
//
// In timid mode file locks are only tried, never waited on; contended
// pages stay cached.
func (c *Cache) Trim(timid bool) (uint64, error) {
	start := time.Now()

	var target uint64
	if free := c.mm.FreePhysicalPages(); free < c.retreatPages {
		target = c.retreatPages - free
	}
	phys := uint64(c.physicalPages.Load())
	var ceiling uint64
	if phys > c.minimumPages {
		ceiling = phys - c.minimumPages
	}
	if target > ceiling {
		target = ceiling
	}

	var freed uint64
	var err error
	if target > 0 {
		freed, err = c.removeEntriesFromList(listCleanUnmapped, target, timid)
		if err == nil && freed < target {
			var more uint64
			more, err = c.removeEntriesFromList(listCleanLRU, target-freed, timid)
			freed += more
		}
	}

	var unmapped uint64
	if err == nil && c.isTooMapped() {
		unmapped = c.trimVirtual()
	}

	if phys = uint64(c.physicalPages.Load()); phys < c.minimumTargetPages &&
		c.mm.FreePhysicalPages() < c.triggerPages {
		c.mm.RequestPagingOut(c.minimumTargetPages - phys)
	}

	if c.metrics != nil {
		c.metrics.RecordTrim(time.Since(start), freed, unmapped)
	}
	c.updateMetrics()
	return freed, err
}

// removeEntriesFromList evicts entries off the front of a clean list
// until enough owned frames are freed. Referenced or dirtied entries
// are simply detached, a racing Release or writeback will repark them.
// Only frames the evicted entry owns count toward the target, dropping
// a shared frame's non-owner frees nothing.
func (c *Cache) removeEntriesFromList(tag listTag, target uint64, timid bool) (uint64, error) {
	l := c.listFor(tag)
	var destroy []*Entry
	var leftovers []*Entry
	var freed uint64

	c.listMu.Lock()
	for freed < target {
		el := l.Front()
		if el == nil {
			break
		}
		e := el.Value.(*Entry)
		if e.refcount.Load() > 0 || e.flags.Load()&flagDirty != 0 {
			c.listRemoveLocked(e)
			continue
		}
		e.AddRef()
		c.listRemoveLocked(e)
		e.tag = listDestroy
		c.listMu.Unlock()

		f := e.file
		if timid && !f.TryLock() {
			leftovers = append(leftovers, e)
			c.listMu.Lock()
			continue
		}
		if !timid {
			f.Lock()
		}

		// A lookup may have revived the entry before we got the lock.
		if e.refcount.Load() > 1 {
			f.Unlock()
			c.listMu.Lock()
			e.tag = listNone
			c.listMu.Unlock()
			e.Release()
			c.listMu.Lock()
			continue
		}

		if c.imageUnmap != nil {
			wasDirty, uerr := c.imageUnmap(f, e.offset, c.pageSize)
			if uerr != nil {
				f.Unlock()
				c.requeue(e, tag)
				c.destroyAll(destroy)
				c.requeueAll(leftovers, tag)
				return freed, errors.NewError(errors.ErrCodeOperationFailed, "image section unmap failed").
					WithComponent("cache").WithOperation("trim").
					WithDetail("key", f.Key()).WithDetail("offset", e.offset).
					WithCause(uerr)
			}
			if wasDirty {
				c.listMu.Lock()
				e.tag = listNone
				c.listMu.Unlock()
				c.markDirtyLocked(e)
				f.Unlock()
				e.Release()
				c.listMu.Lock()
				continue
			}
		}

		c.markCleanLocked(e, false)
		treeRemoveLocked(e)
		f.Unlock()

		if e.flags.Load()&flagOwner != 0 {
			freed++
		}
		destroy = append(destroy, e)
		c.listMu.Lock()
	}
	c.listMu.Unlock()

	c.destroyAll(destroy)
	c.requeueAll(leftovers, tag)
	return freed, nil
}

// requeue puts a pinned entry back on the tail of the list it came
// from and drops the pin.
func (c *Cache) requeue(e *Entry, tag listTag) {
	c.listMu.Lock()
	e.tag = listNone
	c.listInsertTailLocked(e, tag)
	c.listMu.Unlock()
	e.Release()
}

func (c *Cache) requeueAll(entries []*Entry, tag listTag) {
	for _, e := range entries {
		c.requeue(e, tag)
	}
}

func (c *Cache) destroyAll(entries []*Entry) {
	for _, e := range entries {
		c.destroyEntry(e)
	}
}

// destroyEntry releases the frame or backing reference of an entry
// already removed from its index and every list.
func (c *Cache) destroyEntry(e *Entry) {
	c.entryCount.Add(-1)
	if b := e.backing.Load(); b != nil {
		e.backing.Store(nil)
		b.Release()
		c.alloc.put(e)
		return
	}
	flags := e.flags.Load()
	if flags&flagMapped != 0 {
		if va := e.va.Load(); va != 0 {
			c.mm.UnmapRange(va, c.pageSize)
		}
		c.mappedPages.Add(-1)
		if flags&flagDirty != 0 {
			c.mappedDirtyPages.Add(-1)
		}
	}
	c.mm.FreePage(e.phys.Load())
	c.physicalPages.Add(-1)
	c.alloc.put(e)
}

// trimVirtual walks the clean LRU stripping kernel mappings off idle
// pages until enough address space comes back. Stripped pages move to
// the clean-unmapped list so the physical side of trim prefers them.
// Adjacent addresses are unmapped as single ranges.
func (c *Cache) trimVirtual() uint64 {
	var needed uint64
	if free := c.mm.FreeVirtualBytes(); free < c.virtualRetreatBytes {
		needed = c.virtualRetreatBytes - free
	}
	if needed == 0 {
		// A provider warning with no byte deficit still wants headroom
		needed = lowMemCleanMinPages * c.pageSize
	}

	var vas []uint64
	var pinned []*Entry
	var reclaimed uint64

	c.listMu.Lock()
	el := c.cleanLRU.Front()
	for el != nil && reclaimed < needed {
		next := el.Next()
		e := el.Value.(*Entry)
		switch {
		case e.refcount.Load() > 0 || e.flags.Load()&flagDirty != 0:
			c.listRemoveLocked(e)
		case e.flags.Load()&flagMapped == 0:
			c.listRemoveLocked(e)
			c.listInsertTailLocked(e, listCleanUnmapped)
		default:
			if va, ok := c.removeVALocked(e); ok {
				vas = append(vas, va)
				pinned = append(pinned, e)
				reclaimed += c.pageSize
				c.listRemoveLocked(e)
				c.listInsertTailLocked(e, listCleanUnmapped)
			}
		}
		el = next
	}
	c.listMu.Unlock()

	c.unmapCoalesced(vas)
	for _, e := range pinned {
		e.Release()
	}
	return reclaimed / c.pageSize
}

// removeVALocked strips the kernel mapping state off a clean, idle
// owner. A busy page, including an owner some non-owner still shares a
// frame with, is left alone. Caller holds the list mutex; the returned
// address still needs an unmap call.
func (c *Cache) removeVALocked(e *Entry) (uint64, bool) {
	e.AddRef()
	if e.refcount.Load() > 1 || e.flags.Load()&flagDirty != 0 {
		e.refcount.Add(-1)
		return 0, false
	}
	for {
		old := e.flags.Load()
		if old&flagMapped == 0 {
			e.refcount.Add(-1)
			return 0, false
		}
		if e.flags.CompareAndSwap(old, old&^flagMapped) {
			break
		}
	}
	va := e.va.Swap(0)
	c.mappedPages.Add(-1)
	return va, true
}

// unmapCoalesced releases virtual addresses, merging contiguous pages
// into single range calls.
func (c *Cache) unmapCoalesced(vas []uint64) {
	if len(vas) == 0 {
		return
	}
	sort.Slice(vas, func(i, j int) bool { return vas[i] < vas[j] })
	runStart := vas[0]
	runLen := c.pageSize
	for _, va := range vas[1:] {
		if va == runStart+runLen {
			runLen += c.pageSize
			continue
		}
		c.mm.UnmapRange(runStart, runLen)
		runStart = va
		runLen = c.pageSize
	}
	c.mm.UnmapRange(runStart, runLen)
}
