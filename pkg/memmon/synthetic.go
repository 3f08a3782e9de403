package memmon

import (
	"fmt"
	"sync"
)

// SyntheticProvider is a fully scriptable in-memory Provider. Tests set
// totals, free counts, and warning levels directly, and can fire pressure
// events on demand. All frame data lives in ordinary byte slices.
type SyntheticProvider struct {
	mu sync.Mutex

	pageSize  uint64
	pageShift uint

	totalPhysical uint64
	freePhysical  uint64
	totalVirtual  uint64
	freeVirtual   uint64
	virtWarning   WarningLevel

	physEvents chan struct{}
	virtEvents chan struct{}

	nextPhys uint64
	nextVA   uint64
	frames   map[uint64][]byte
	owners   map[uint64]interface{}

	allocFailures int

	freedPages     []uint64
	unmapCalls     []UnmapCall
	pagingRequests []uint64
}

// UnmapCall records a single UnmapRange invocation.
type UnmapCall struct {
	VA     uint64
	Length uint64
}

// NewSyntheticProvider creates a provider with 4 KiB pages and generous
// default totals.
func NewSyntheticProvider() *SyntheticProvider {
	return &SyntheticProvider{
		pageSize:      4096,
		pageShift:     12,
		totalPhysical: 1 << 20,
		freePhysical:  1 << 19,
		totalVirtual:  64 << 30,
		freeVirtual:   32 << 30,
		physEvents:    make(chan struct{}, 1),
		virtEvents:    make(chan struct{}, 1),
		nextPhys:      0x100000,
		nextVA:        0x7f00_0000_0000,
		frames:        make(map[uint64][]byte),
		owners:        make(map[uint64]interface{}),
	}
}

func (p *SyntheticProvider) PageSize() uint64 { return p.pageSize }
func (p *SyntheticProvider) PageShift() uint  { return p.pageShift }

func (p *SyntheticProvider) TotalPhysicalPages() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalPhysical
}

func (p *SyntheticProvider) FreePhysicalPages() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freePhysical
}

func (p *SyntheticProvider) TotalVirtualBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalVirtual
}

func (p *SyntheticProvider) FreeVirtualBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeVirtual
}

func (p *SyntheticProvider) VirtualWarningLevel() WarningLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.virtWarning
}

func (p *SyntheticProvider) PhysicalWarningEvents() <-chan struct{} { return p.physEvents }
func (p *SyntheticProvider) VirtualWarningEvents() <-chan struct{}  { return p.virtEvents }

func (p *SyntheticProvider) RequestPagingOut(pages uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pagingRequests = append(p.pagingRequests, pages)
}

// AllocatePage hands out a fresh zeroed frame at a unique physical address.
func (p *SyntheticProvider) AllocatePage() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocFailures > 0 {
		p.allocFailures--
		return 0, fmt.Errorf("synthetic allocation failure")
	}

	phys := p.nextPhys
	p.nextPhys += p.pageSize
	p.frames[phys] = make([]byte, p.pageSize)
	return phys, nil
}

func (p *SyntheticProvider) FreePage(phys uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.frames, phys)
	delete(p.owners, phys)
	p.freedPages = append(p.freedPages, phys)
}

func (p *SyntheticProvider) PageData(phys uint64) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[phys]
}

func (p *SyntheticProvider) MapPage(phys uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.frames[phys]; !ok {
		return 0, fmt.Errorf("no frame at %#x", phys)
	}
	va := p.nextVA
	p.nextVA += p.pageSize
	return va, nil
}

func (p *SyntheticProvider) UnmapRange(va uint64, length uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unmapCalls = append(p.unmapCalls, UnmapCall{VA: va, Length: length})
}

func (p *SyntheticProvider) SetPageOwner(phys uint64, owner interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if owner == nil {
		delete(p.owners, phys)
		return
	}
	p.owners[phys] = owner
}

// PageOwner returns the recorded owner for a frame, or nil.
func (p *SyntheticProvider) PageOwner(phys uint64) interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owners[phys]
}

// Scripting hooks for tests.

func (p *SyntheticProvider) SetTotalPhysicalPages(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalPhysical = n
}

func (p *SyntheticProvider) SetFreePhysicalPages(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freePhysical = n
}

func (p *SyntheticProvider) SetTotalVirtualBytes(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalVirtual = n
}

func (p *SyntheticProvider) SetFreeVirtualBytes(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeVirtual = n
}

func (p *SyntheticProvider) SetVirtualWarningLevel(level WarningLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.virtWarning = level
}

// FailNextAllocations makes the next n AllocatePage calls fail.
func (p *SyntheticProvider) FailNextAllocations(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocFailures = n
}

// FirePhysicalWarning signals physical pressure without blocking.
func (p *SyntheticProvider) FirePhysicalWarning() {
	select {
	case p.physEvents <- struct{}{}:
	default:
	}
}

// FireVirtualWarning signals virtual pressure without blocking.
func (p *SyntheticProvider) FireVirtualWarning() {
	select {
	case p.virtEvents <- struct{}{}:
	default:
	}
}

// FreedPages returns the physical addresses released so far.
func (p *SyntheticProvider) FreedPages() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, len(p.freedPages))
	copy(out, p.freedPages)
	return out
}

// UnmapCalls returns the recorded UnmapRange invocations.
func (p *SyntheticProvider) UnmapCalls() []UnmapCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]UnmapCall, len(p.unmapCalls))
	copy(out, p.unmapCalls)
	return out
}

// PagingOutRequests returns the recorded paging-out targets.
func (p *SyntheticProvider) PagingOutRequests() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, len(p.pagingRequests))
	copy(out, p.pagingRequests)
	return out
}

// LiveFrames returns the number of frames currently allocated.
func (p *SyntheticProvider) LiveFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}
