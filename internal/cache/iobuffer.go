package cache

import (
	"github.com/pagecache/pagecache/internal/fileobject"
	"github.com/pagecache/pagecache/pkg/errors"
)

// IoBuffer is a page-granular scatter buffer handed between the I/O
// paths and the cache. Each frame is either a raw page the caller
// allocated or a page the cache owns; entries tracks which, per frame.
type IoBuffer struct {
	pageSize uint64
	pages    []uint64
	vas      []uint64
	entries  []*Entry
}

// NewIoBuffer wraps caller-owned frames in a buffer
func NewIoBuffer(pageSize uint64, pages []uint64) *IoBuffer {
	return &IoBuffer{
		pageSize: pageSize,
		pages:    pages,
		vas:      make([]uint64, len(pages)),
		entries:  make([]*Entry, len(pages)),
	}
}

// SetPageVA records the kernel virtual address the caller mapped frame
// i at. The address transfers to the cache when the frame is adopted.
func (b *IoBuffer) SetPageVA(i int, va uint64) { b.vas[i] = va }

// Pages returns the physical frames behind the buffer
func (b *IoBuffer) Pages() []uint64 { return b.pages }

// Len returns the number of frames in the buffer
func (b *IoBuffer) Len() int { return len(b.pages) }

// Size returns the buffer capacity in bytes
func (b *IoBuffer) Size() uint64 { return uint64(len(b.pages)) * b.pageSize }

// Entry returns the cache entry behind frame i, or nil for a raw frame
func (b *IoBuffer) Entry(i int) *Entry { return b.entries[i] }

// appendEntry adds a referenced cache page to the buffer, taking over
// the caller's reference.
func (b *IoBuffer) appendEntry(e *Entry) {
	b.pages = append(b.pages, e.Phys())
	b.vas = append(b.vas, e.VA())
	b.entries = append(b.entries, e)
}

// Release drops the buffer's references on cache-owned frames. Raw
// frames stay the caller's to free.
func (b *IoBuffer) Release() {
	for i, e := range b.entries {
		if e != nil {
			e.Release()
			b.entries[i] = nil
		}
	}
}

// IsIoBufferPageCacheBacked reports whether every frame in the buffer
// is owned by the cache. I/O completion uses it to decide whether the
// frames may be recycled or belong to live entries.
func (c *Cache) IsIoBufferPageCacheBacked(b *IoBuffer) bool {
	if b == nil || len(b.pages) == 0 {
		return false
	}
	for _, e := range b.entries {
		if e == nil {
			return false
		}
	}
	return true
}

// CopyAndCacheIoBuffer finishes a read: the src buffer holds srcSize
// bytes of f starting at fileOffset, freshly filled. Every full or
// partial page of it is adopted into the cache, mapped addresses
// included, and the pages covering the window of copySize bytes at
// srcCopyOffset are appended to dst with their own references. Frames
// whose page turned out to be cached already stay the caller's and the
// cached page is appended instead. Returns the number of bytes the
// window actually covered.
func (c *Cache) CopyAndCacheIoBuffer(f *fileobject.FileObject, fileOffset uint64, dst *IoBuffer, copySize uint64, src *IoBuffer, srcSize, srcCopyOffset uint64) (uint64, error) {
	if fileOffset != c.alignDown(fileOffset) {
		return 0, errors.NewError(errors.ErrCodeInvalidParameter, "file offset not page aligned").
			WithComponent("cache").WithOperation("CopyAndCacheIoBuffer").
			WithDetail("offset", fileOffset)
	}
	if srcSize > src.Size() || srcCopyOffset > srcSize {
		return 0, errors.NewError(errors.ErrCodeInvalidParameter, "copy window outside buffer").
			WithComponent("cache").WithOperation("CopyAndCacheIoBuffer").
			WithDetail("src_size", srcSize).WithDetail("src_copy_offset", srcCopyOffset)
	}

	copied := copySize
	if avail := srcSize - srcCopyOffset; copied > avail {
		copied = avail
	}
	winStart := srcCopyOffset
	winEnd := srcCopyOffset + copied

	filledPages := int((srcSize + c.pageSize - 1) / c.pageSize)
	for i := 0; i < filledPages && i < len(src.pages); i++ {
		pageStart := uint64(i) * c.pageSize
		inWindow := pageStart < winEnd && pageStart+c.pageSize > winStart

		if src.entries[i] != nil {
			if inWindow {
				src.entries[i].AddRef()
				dst.appendEntry(src.entries[i])
			}
			continue
		}

		offset := fileOffset + pageStart
		e, created, err := c.CreateOrLookup(f, src.vas[i], src.pages[i], offset, nil)
		if err != nil {
			return copied, err
		}
		if created {
			src.entries[i] = e
		}
		switch {
		case inWindow && created:
			e.AddRef()
			dst.appendEntry(e)
		case inWindow:
			dst.appendEntry(e)
		case !created:
			e.Release()
		}
	}
	return copied, nil
}
