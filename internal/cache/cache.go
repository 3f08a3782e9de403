package cache

import (
	"container/list"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pagecache/pagecache/internal/config"
	"github.com/pagecache/pagecache/internal/fileobject"
	"github.com/pagecache/pagecache/internal/metrics"
	"github.com/pagecache/pagecache/internal/storage"
	"github.com/pagecache/pagecache/pkg/memmon"
	"github.com/pagecache/pagecache/pkg/utils"
)

// WholeFile as a flush or evict size selects everything from the given
// offset to the end of the file.
const WholeFile = math.MaxUint64

// Flush flags
const (
	// FlushDataSynchronized asks for a storage sync after the data is
	// written. Block devices sync on flush even without it.
	FlushDataSynchronized uint32 = 1 << 0
)

// Evict flags
const (
	// EvictDelete removes pages because the file is going away.
	// Referenced entries are detached and handed to the removal list.
	EvictDelete uint32 = 1 << 0
	// EvictTruncate removes pages past a new end of file.
	EvictTruncate uint32 = 1 << 1
)

// virtual address pressure thresholds
const (
	smallVASpace        = 4 << 30
	vaTriggerSmall      = 512 << 20
	vaRetreatSmall      = 896 << 20
	vaTriggerLarge      = 1 << 30
	vaRetreatLarge      = 3 << 30
	lowMemCleanMinPages = 256
)

// ImageSectionUnmapper tears down executable image mappings over a page
// range before the pages are evicted. It reports whether the unmap
// dirtied any of the pages.
type ImageSectionUnmapper func(f *fileobject.FileObject, offset, size uint64) (wasDirty bool, err error)

// Cache is the page cache. One instance fronts one memory provider and
// one page store.
type Cache struct {
	cfg      *config.Configuration
	mm       memmon.Provider
	store    storage.PageStore
	registry *fileobject.Registry
	logger   *utils.StructuredLogger
	metrics  *metrics.Collector

	pageSize  uint64
	pageShift uint

	// page-count thresholds derived from the provider totals
	triggerPages       uint64
	retreatPages       uint64
	minimumPages       uint64
	minimumTargetPages uint64
	lowMemCleanMin     uint64

	virtualTriggerBytes uint64
	virtualRetreatBytes uint64

	flushMaxBytes  uint64
	maxCleanStreak int
	cleanDelay     time.Duration

	disableVA       bool
	verifyDirtyLists bool

	alloc *entryAllocator

	// global entry lists, all guarded by listMu
	listMu        sync.Mutex
	cleanLRU      *list.List
	cleanUnmapped *list.List
	removal       *list.List

	entryCount       atomic.Int64
	physicalPages    atomic.Int64
	dirtyPages       atomic.Int64
	mappedPages      atomic.Int64
	mappedDirtyPages atomic.Int64

	lastCleanTime atomic.Int64

	workerState atomic.Int32
	workerWake  chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
	started     atomic.Bool

	imageUnmap ImageSectionUnmapper
}

// New builds a cache over the given provider, store, and registry. The
// pressure thresholds come out of the configured percentages of the
// provider's physical page total.
func New(cfg *config.Configuration, mm memmon.Provider, store storage.PageStore, registry *fileobject.Registry, logger *utils.StructuredLogger, collector *metrics.Collector) *Cache {
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	total := mm.TotalPhysicalPages()
	c := &Cache{
		cfg:      cfg,
		mm:       mm,
		store:    store,
		registry: registry,
		logger:   logger.WithComponent("cache"),
		metrics:  collector,

		pageSize:  mm.PageSize(),
		pageShift: mm.PageShift(),

		triggerPages:       total * uint64(cfg.Cache.TriggerPercent) / 100,
		retreatPages:       total * uint64(cfg.Cache.RetreatPercent) / 100,
		minimumPages:       total * uint64(cfg.Cache.MinimumPercent) / 100,
		minimumTargetPages: total * uint64(cfg.Cache.MinimumTargetPercent) / 100,

		flushMaxBytes:  cfg.Cache.FlushMaxBytes,
		maxCleanStreak: cfg.Cache.MaxCleanStreak,
		cleanDelay:     cfg.Worker.CleanDelay,

		disableVA:        cfg.Cache.DisableVirtualAddresses,
		verifyDirtyLists: cfg.Cache.VerifyDirtyLists,

		alloc: newEntryAllocator(cfg.Cache.BlockAllocExpansion),

		cleanLRU:      list.New(),
		cleanUnmapped: list.New(),
		removal:       list.New(),

		workerWake: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}

	c.lowMemCleanMin = total / 10
	if c.lowMemCleanMin > lowMemCleanMinPages {
		c.lowMemCleanMin = lowMemCleanMinPages
	}

	if mm.TotalVirtualBytes() < smallVASpace {
		c.virtualTriggerBytes = vaTriggerSmall
		c.virtualRetreatBytes = vaRetreatSmall
	} else {
		c.virtualTriggerBytes = vaTriggerLarge
		c.virtualRetreatBytes = vaRetreatLarge
	}

	c.lastCleanTime.Store(time.Now().UnixNano())
	return c
}

// SetImageSectionUnmapper installs the hook trim calls before evicting
// pages that may back executable images. Without one, no pages are
// treated as image mapped.
func (c *Cache) SetImageSectionUnmapper(fn ImageSectionUnmapper) {
	c.imageUnmap = fn
}

// PageSize returns the cache page size in bytes
func (c *Cache) PageSize() uint64 { return c.pageSize }

// EntryCount returns the number of live entries
func (c *Cache) EntryCount() int64 { return c.entryCount.Load() }

// PhysicalPages returns the number of owned physical frames
func (c *Cache) PhysicalPages() int64 { return c.physicalPages.Load() }

// DirtyPages returns the number of dirty entries
func (c *Cache) DirtyPages() int64 { return c.dirtyPages.Load() }

// alignDown rounds offset down to a page boundary
func (c *Cache) alignDown(offset uint64) uint64 {
	return offset &^ (c.pageSize - 1)
}

// alignUp rounds offset up to a page boundary
func (c *Cache) alignUp(offset uint64) uint64 {
	return (offset + c.pageSize - 1) &^ (c.pageSize - 1)
}

// isTooBig reports whether the cache holds enough frames that free
// physical memory has fallen under the trigger line.
func (c *Cache) isTooBig() bool {
	phys := uint64(c.physicalPages.Load())
	if phys <= c.minimumPages {
		return false
	}
	return c.mm.FreePhysicalPages() < c.triggerPages
}

// isTooMapped reports whether kernel virtual address space is under
// pressure, either by the free-byte threshold or a provider warning.
func (c *Cache) isTooMapped() bool {
	if c.mm.FreeVirtualBytes() < c.virtualTriggerBytes {
		return true
	}
	return c.mm.VirtualWarningLevel() != memmon.WarningLevelNone
}

// IsTooDirty reports whether writers should be throttled until
// writeback catches up. The ideal cache size is the current footprint
// plus whatever free memory remains above the retreat line; half of
// that dirty is the ceiling. The background worker is exempt so it can
// always make progress.
func (c *Cache) IsTooDirty() bool {
	phys := int64(c.physicalPages.Load())
	free := int64(c.mm.FreePhysicalPages())
	ideal := phys + free - int64(c.retreatPages)
	if ideal < 0 {
		ideal = 0
	}
	return c.dirtyPages.Load() >= ideal/2
}

// cleanCount returns the number of entries parked on the two clean
// lists.
func (c *Cache) cleanCount() uint64 {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	return uint64(c.cleanLRU.Len() + c.cleanUnmapped.Len())
}

// updateMetrics pushes the counter snapshot into the collector
func (c *Cache) updateMetrics() {
	if c.metrics == nil {
		return
	}
	c.metrics.UpdateEntryCounts(
		uint64(c.entryCount.Load()),
		uint64(c.dirtyPages.Load()),
		uint64(c.mappedPages.Load()),
		uint64(c.mappedDirtyPages.Load()),
	)
	c.metrics.UpdatePhysicalPages(uint64(c.physicalPages.Load()))
}
