package cache

import (
	"context"
	"time"

	"github.com/pagecache/pagecache/internal/buffer"
	"github.com/pagecache/pagecache/internal/fileobject"
	"github.com/pagecache/pagecache/pkg/errors"
)

// Flush writes the dirty pages of f in [offset, offset+size) back to
// the store, coalescing contiguous pages into runs of up to the flush
// ceiling. Up to four consecutive clean pages are carried inside a run
// to keep it contiguous; clean pages at the end of a run are dropped
// before the write. A size of WholeFile with offset zero drains the
// file's dirty list instead of walking the range.
//
// pageCap, when nonzero, ends the call once at least that many dirty
// pages have been written. It is checked between buffers, so the last
// buffer can carry the count past it. Block devices get a storage sync
// after the data is written even without FlushDataSynchronized.
func (c *Cache) Flush(ctx context.Context, f *fileobject.FileObject, offset, size uint64, flags uint32, pageCap int) error {
	if offset != c.alignDown(offset) {
		return errors.NewError(errors.ErrCodeInvalidParameter, "offset not page aligned").
			WithComponent("cache").WithOperation("Flush").
			WithDetail("offset", offset)
	}
	return c.flushInternal(ctx, f, offset, size, flags, pageCap, false)
}

func (c *Cache) flushInternal(ctx context.Context, f *fileobject.FileObject, offset, size uint64, flags uint32, pageCap int, worker bool) error {
	start := time.Now()
	sync := flags&FlushDataSynchronized != 0

	f.RLock()
	fc := fileCacheOf(f)
	if fc == nil {
		f.RUnlock()
		if sync {
			return c.store.Sync(ctx, f.Key())
		}
		return nil
	}
	c.verifyDirtyListLocked(fc)

	var (
		flushed    int
		wroteBytes uint64
		flushErr   error
	)

	whole := offset == 0 && size == WholeFile
	if whole {
		// Assume the drain empties the file; a leftover dirty page
		// puts it back on the registry list below.
		f.NotifyClean()
		flushErr = c.flushWholeLocked(ctx, f, fc, sync, pageCap, worker, &flushed, &wroteBytes)
	} else {
		end := offset + size
		if size == WholeFile || end < offset {
			end = WholeFile
		}
		flushErr = c.flushRangeLocked(ctx, f, fc, offset, end, sync, pageCap, worker, &flushed, &wroteBytes)
	}

	c.listMu.Lock()
	dirtyLeft := fc.dirty.Len() > 0
	c.listMu.Unlock()
	f.RUnlock()

	if dirtyLeft {
		f.NotifyDirty()
	}

	if flushErr == nil && (sync || (f.IsBlockDevice() && wroteBytes > 0)) {
		flushErr = c.store.Sync(ctx, f.Key())
	}

	if c.metrics != nil {
		c.metrics.RecordFlush(time.Since(start), wroteBytes, flushErr == nil)
	}
	c.updateMetrics()
	return flushErr
}

// flushWholeLocked drains the file's dirty list, using each still-dirty
// entry as the seed of a coalesced run. Caller holds the shared file
// lock; in worker mode it is released between buffers.
func (c *Cache) flushWholeLocked(ctx context.Context, f *fileobject.FileObject, fc *fileCache, sync bool, pageCap int, worker bool, flushed *int, wroteBytes *uint64) error {
	var seeds []*Entry
	c.listMu.Lock()
	for el := fc.dirty.Front(); el != nil; el = el.Next() {
		seeds = append(seeds, el.Value.(*Entry))
	}
	c.listMu.Unlock()

	for _, seed := range seeds {
		if !seed.inTree || seed.flags.Load()&flagDirty == 0 {
			continue
		}
		if err := c.flushFrom(ctx, f, fc, seed.offset, WholeFile, sync, pageCap, worker, flushed, wroteBytes); err != nil {
			return err
		}
		if pageCap > 0 && *flushed >= pageCap {
			return nil
		}
	}
	return nil
}

// flushRangeLocked walks the index across [offset, end) and flushes
// every run that contains a dirty page.
func (c *Cache) flushRangeLocked(ctx context.Context, f *fileobject.FileObject, fc *fileCache, offset, end uint64, sync bool, pageCap int, worker bool, flushed *int, wroteBytes *uint64) error {
	next := offset
	for next < end {
		var first *Entry
		fc.tree.AscendGreaterOrEqual(&Entry{offset: next}, func(e *Entry) bool {
			if e.offset >= end {
				return false
			}
			if e.flags.Load()&flagDirty != 0 {
				first = e
				return false
			}
			return true
		})
		if first == nil {
			return nil
		}
		if err := c.flushFrom(ctx, f, fc, first.offset, end, sync, pageCap, worker, flushed, wroteBytes); err != nil {
			return err
		}
		if pageCap > 0 && *flushed >= pageCap {
			return nil
		}
		// Everything reachable from the seed is clean now; rescan past
		// it for the next dirty page.
		next = first.offset + c.pageSize
	}
	return nil
}

// flushFrom writes the coalesced runs starting at start, one buffer of
// up to the flush ceiling at a time, until the contiguity breaks.
func (c *Cache) flushFrom(ctx context.Context, f *fileobject.FileObject, fc *fileCache, start, end uint64, sync bool, pageCap int, worker bool, flushed *int, wroteBytes *uint64) error {
	next := start
	for {
		run := c.collectRunLocked(fc, next, end)
		if len(run) == 0 {
			return nil
		}
		n, wrote, err := c.flushBuffer(ctx, f, run, sync)
		*flushed += n
		*wroteBytes += wrote
		if err != nil {
			return err
		}
		if pageCap > 0 && *flushed >= pageCap {
			return nil
		}
		next = run[len(run)-1].offset + c.pageSize

		if worker {
			// Let readers and writers in between buffers, and back off
			// to the trim side when frames are the scarcer resource.
			f.RUnlock()
			if c.isTooBig() && c.cleanCount() > c.lowMemCleanMin {
				f.RLock()
				return errors.NewError(errors.ErrCodeTryAgain, "memory pressure during writeback").
					WithComponent("cache").WithOperation("flush")
			}
			f.RLock()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// collectRunLocked gathers the contiguous run of indexed pages starting
// at start, capped at the flush ceiling. Clean pages extend the run
// only while fewer than the streak limit of them appear in a row, and
// never at the tail.
func (c *Cache) collectRunLocked(fc *fileCache, start, end uint64) []*Entry {
	var run []*Entry
	maxPages := int(c.flushMaxBytes / c.pageSize)
	streak := 0
	next := start

	fc.tree.AscendGreaterOrEqual(&Entry{offset: start}, func(e *Entry) bool {
		if e.offset != next || e.offset >= end || len(run) >= maxPages {
			return false
		}
		if e.flags.Load()&flagDirty != 0 {
			streak = 0
		} else {
			streak++
			if streak > c.maxCleanStreak {
				return false
			}
		}
		run = append(run, e)
		next += c.pageSize
		return true
	})

	for len(run) > 0 && run[len(run)-1].flags.Load()&flagDirty == 0 {
		run = run[:len(run)-1]
	}
	return run
}

// flushBuffer writes one contiguous run. Entries evicted since the run
// was collected end the buffer early. Each still-dirty entry is marked
// clean first; winning that transition is the write token, and a write
// that fails or comes up short hands the token back by re-dirtying
// every page at or past the last completed byte.
func (c *Cache) flushBuffer(ctx context.Context, f *fileobject.FileObject, run []*Entry, sync bool) (int, uint64, error) {
	n := 0
	for _, e := range run {
		if !e.inTree {
			break
		}
		n++
	}
	run = run[:n]
	if len(run) == 0 {
		return 0, 0, nil
	}

	transitioned := make([]bool, len(run))
	cleaned := 0
	for i, e := range run {
		if c.markCleanLocked(e, true) {
			transitioned[i] = true
			cleaned++
		}
	}
	if cleaned == 0 && !sync {
		return 0, 0, nil
	}

	start := run[0].offset
	total := uint64(len(run)) * c.pageSize
	fileSize := f.Size()
	if start >= fileSize {
		return cleaned, 0, nil
	}
	length := total
	if start+length > fileSize {
		length = fileSize - start
	}

	buf := buffer.GetBuffer(int(total))
	defer buffer.PutBuffer(buf)
	for i, e := range run {
		copy(buf[uint64(i)*c.pageSize:], c.mm.PageData(e.phys.Load()))
	}

	written, err := c.store.WritePages(ctx, f.Key(), start, buf[:length])
	if err == nil && written < length {
		err = errors.NewError(errors.ErrCodeDataLengthMismatch, "short write to page store").
			WithComponent("cache").WithOperation("flush").
			WithDetail("key", f.Key()).WithDetail("offset", start).
			WithDetail("expected", length).WithDetail("written", written)
	}
	if err != nil {
		redirty := c.alignDown(start + written)
		for i, e := range run {
			if transitioned[i] && e.offset >= redirty {
				c.markDirtyLocked(e)
			}
		}
		return cleaned, written, err
	}
	return cleaned, written, nil
}

// FlushFileObjects writes back every file on the registry's dirty
// list, oldest first. Run by the background worker. A TryAgain comes
// back immediately, frames got scarce mid-pass and trim should run
// before flushing resumes; any other failure is remembered, the pass
// still visits the remaining files, and the first error wins.
func (c *Cache) FlushFileObjects(ctx context.Context) error {
	var firstErr error
	for _, f := range c.registry.DirtyObjects() {
		err := c.flushInternal(ctx, f, 0, WholeFile, 0, 0, true)
		if err != nil {
			if errors.IsTryAgain(err) {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return firstErr
}

// SynchronizeBlockDevice forces the store barrier for a block device
func (c *Cache) SynchronizeBlockDevice(ctx context.Context, f *fileobject.FileObject) error {
	if !f.IsBlockDevice() {
		return errors.NewError(errors.ErrCodeInvalidParameter, "not a block device").
			WithComponent("cache").WithOperation("SynchronizeBlockDevice").
			WithDetail("key", f.Key())
	}
	return c.store.Sync(ctx, f.Key())
}
