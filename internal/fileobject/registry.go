package fileobject

import (
	"sync"

	"github.com/pagecache/pagecache/pkg/errors"
)

// Registry tracks every live file object and maintains the dirty list in
// first-dirtied order so writeback visits files fairly.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	byID    map[uint64]*FileObject
	byKey   map[string]*FileObject
	dirtyHd *FileObject
	dirtyTl *FileObject
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		nextID: 1,
		byID:   make(map[uint64]*FileObject),
		byKey:  make(map[string]*FileObject),
	}
}

// Create registers a new file object for the given key
func (r *Registry) Create(key string, kind Kind, size uint64) (*FileObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[key]; exists {
		return nil, errors.NewError(errors.ErrCodeInvalidState, "file object already exists").
			WithComponent("fileobject").WithOperation("Create").
			WithDetail("key", key)
	}

	f := &FileObject{
		id:       r.nextID,
		key:      key,
		kind:     kind,
		registry: r,
	}
	f.size.Store(size)
	r.nextID++

	r.byID[f.id] = f
	r.byKey[key] = f
	return f, nil
}

// Lookup finds a file object by ID
func (r *Registry) Lookup(id uint64) (*FileObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.byID[id]
	return f, ok
}

// LookupKey finds a file object by storage key
func (r *Registry) LookupKey(key string) (*FileObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.byKey[key]
	return f, ok
}

// Remove unregisters a file object. The caller has already evicted its
// pages; a file still on the dirty list refuses to go.
func (r *Registry) Remove(f *FileObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f.dirty {
		return errors.NewError(errors.ErrCodeResourceInUse, "file object has dirty pages").
			WithComponent("fileobject").WithOperation("Remove").
			WithDetail("key", f.key)
	}

	delete(r.byID, f.id)
	delete(r.byKey, f.key)
	return nil
}

// DirtyObjects returns the files with dirty pages, oldest first
func (r *Registry) DirtyObjects() []*FileObject {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*FileObject
	for f := r.dirtyHd; f != nil; f = f.dirtyNext {
		out = append(out, f)
	}
	return out
}

// DirtyCount returns the number of files with dirty pages
func (r *Registry) DirtyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for f := r.dirtyHd; f != nil; f = f.dirtyNext {
		count++
	}
	return count
}

// Count returns the number of registered file objects
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// All returns every registered file object
func (r *Registry) All() []*FileObject {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*FileObject, 0, len(r.byID))
	for _, f := range r.byID {
		out = append(out, f)
	}
	return out
}

// dirtyAppend links f at the tail of the dirty list. Caller holds r.mu.
func (r *Registry) dirtyAppend(f *FileObject) {
	f.dirtyPrev = r.dirtyTl
	f.dirtyNext = nil
	if r.dirtyTl != nil {
		r.dirtyTl.dirtyNext = f
	} else {
		r.dirtyHd = f
	}
	r.dirtyTl = f
}

// dirtyRemove unlinks f from the dirty list. Caller holds r.mu.
func (r *Registry) dirtyRemove(f *FileObject) {
	if f.dirtyPrev != nil {
		f.dirtyPrev.dirtyNext = f.dirtyNext
	} else {
		r.dirtyHd = f.dirtyNext
	}
	if f.dirtyNext != nil {
		f.dirtyNext.dirtyPrev = f.dirtyPrev
	} else {
		r.dirtyTl = f.dirtyPrev
	}
	f.dirtyNext = nil
	f.dirtyPrev = nil
}
