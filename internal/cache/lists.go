package cache

import "container/list"

// listTag records which global or per-file list an entry sits on. An
// entry is on at most one list at a time.
type listTag int

const (
	listNone listTag = iota
	listCleanLRU
	listCleanUnmapped
	listRemoval
	listDirty
	listDestroy
)

// listFor maps a tag to the cache-owned list it names. listDirty and
// listDestroy entries live on per-file or per-call lists and are never
// resolved here.
func (c *Cache) listFor(tag listTag) *list.List {
	switch tag {
	case listCleanLRU:
		return c.cleanLRU
	case listCleanUnmapped:
		return c.cleanUnmapped
	case listRemoval:
		return c.removal
	default:
		return nil
	}
}

// listInsertTailLocked appends e to the list named by tag. Caller holds
// the list mutex and e is on no list.
func (c *Cache) listInsertTailLocked(e *Entry, tag listTag) {
	l := c.listFor(tag)
	e.tag = tag
	e.elem = l.PushBack(e)
}

// listRemoveLocked detaches e from whatever global list it is on.
// Caller holds the list mutex. Entries tagged listDirty or listDestroy
// carry their element on a list the caller owns.
func (c *Cache) listRemoveLocked(e *Entry) {
	if e.tag == listNone {
		return
	}
	if l := c.listFor(e.tag); l != nil {
		l.Remove(e.elem)
	}
	e.tag = listNone
	e.elem = nil
}

// listDetachLocked clears membership without touching any list. Used
// when the caller already removed the element itself.
func (e *Entry) listDetachLocked() {
	e.tag = listNone
	e.elem = nil
}
