// Package cache implements the page cache core: the per-file offset index
// of cached pages, the shared-frame linking protocol between file and
// block-device entries, dirty tracking with coalescing writeback, and the
// pressure-driven trim and unmap engines, all serviced by a single
// background worker.
//
// Every cached page is an Entry carrying atomic flags and a reference
// count. Entries live in their file's ordered index and on at most one
// list: the global clean LRU, the clean-unmapped LRU, the removal list,
// or their file's dirty list. The cache holds one owner reference per
// physical frame; a non-owner entry shares its frame through a backing
// reference to the owner.
package cache
