package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecache/pagecache/internal/config"
	"github.com/pagecache/pagecache/internal/fileobject"
	"github.com/pagecache/pagecache/internal/storage"
	"github.com/pagecache/pagecache/pkg/memmon"
	"github.com/pagecache/pagecache/pkg/utils"
)

type testEnv struct {
	cache *Cache
	mm    *memmon.SyntheticProvider
	store *storage.MemoryStore
	reg   *fileobject.Registry
	cfg   *config.Configuration
}

func newTestEnv(t *testing.T, tweak func(cfg *config.Configuration, mm *memmon.SyntheticProvider)) *testEnv {
	t.Helper()
	cfg := config.NewDefault()
	mm := memmon.NewSyntheticProvider()
	if tweak != nil {
		tweak(cfg, mm)
	}
	store := storage.NewMemoryStore()
	reg := fileobject.NewRegistry()
	c := New(cfg, mm, store, reg, utils.NewNopLogger(), nil)
	return &testEnv{cache: c, mm: mm, store: store, reg: reg, cfg: cfg}
}

// newSmallEnv shrinks the provider to 100 physical pages so the
// percentage thresholds land on countable numbers: trigger 10, retreat
// 15, minimum 7, minimum target 33.
func newSmallEnv(t *testing.T) *testEnv {
	return newTestEnv(t, func(cfg *config.Configuration, mm *memmon.SyntheticProvider) {
		mm.SetTotalPhysicalPages(100)
		mm.SetFreePhysicalPages(50)
	})
}

func (env *testEnv) file(t *testing.T, key string, kind fileobject.Kind, size uint64) *fileobject.FileObject {
	t.Helper()
	f, err := env.reg.Create(key, kind, size)
	require.NoError(t, err)
	return f
}

// page allocates a frame, fills it, and caches it at offset. The
// returned entry carries the creator's reference.
func (env *testEnv) page(t *testing.T, f *fileobject.FileObject, offset uint64, fill byte) *Entry {
	t.Helper()
	phys, err := env.mm.AllocatePage()
	require.NoError(t, err)
	data := env.mm.PageData(phys)
	for i := range data {
		data[i] = fill
	}
	e, created, err := env.cache.CreateOrLookup(f, 0, phys, offset, nil)
	require.NoError(t, err)
	require.True(t, created)
	return e
}

// dirtyPage caches a filled page, marks it dirty, and drops the
// creator's reference so writeback and trim can reach it.
func (env *testEnv) dirtyPage(t *testing.T, f *fileobject.FileObject, offset uint64, fill byte) *Entry {
	t.Helper()
	e := env.page(t, f, offset, fill)
	require.True(t, env.cache.MarkDirty(e))
	e.Release()
	return e
}

func TestNewComputesThresholdsFromProviderTotals(t *testing.T) {
	env := newSmallEnv(t)
	c := env.cache

	assert.Equal(t, uint64(10), c.triggerPages)
	assert.Equal(t, uint64(15), c.retreatPages)
	assert.Equal(t, uint64(7), c.minimumPages)
	assert.Equal(t, uint64(33), c.minimumTargetPages)
	assert.Equal(t, uint64(10), c.lowMemCleanMin)
	assert.Equal(t, uint64(vaTriggerLarge), c.virtualTriggerBytes)
	assert.Equal(t, uint64(vaRetreatLarge), c.virtualRetreatBytes)
}

func TestNewPicksSmallAddressSpaceThresholds(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Configuration, mm *memmon.SyntheticProvider) {
		mm.SetTotalVirtualBytes(2 << 30)
	})
	assert.Equal(t, uint64(vaTriggerSmall), env.cache.virtualTriggerBytes)
	assert.Equal(t, uint64(vaRetreatSmall), env.cache.virtualRetreatBytes)
}

func TestIsTooBigNeedsBothConditions(t *testing.T) {
	env := newSmallEnv(t)
	c := env.cache

	// Plenty of free memory, small cache
	env.mm.SetFreePhysicalPages(50)
	assert.False(t, c.isTooBig())

	// Free memory under trigger but cache under its minimum share
	env.mm.SetFreePhysicalPages(5)
	c.physicalPages.Store(7)
	assert.False(t, c.isTooBig())

	c.physicalPages.Store(20)
	assert.True(t, c.isTooBig())
}

func TestIsTooDirtyHalvesIdealSize(t *testing.T) {
	env := newSmallEnv(t)
	c := env.cache

	// ideal = phys + free - retreat = 20 + 15 - 15 = 20, ceiling 10
	env.mm.SetFreePhysicalPages(15)
	c.physicalPages.Store(20)

	c.dirtyPages.Store(9)
	assert.False(t, c.IsTooDirty())
	c.dirtyPages.Store(10)
	assert.True(t, c.IsTooDirty())
}

func TestIsTooDirtyClampsNegativeIdeal(t *testing.T) {
	env := newSmallEnv(t)
	c := env.cache

	env.mm.SetFreePhysicalPages(0)
	c.physicalPages.Store(5)
	c.dirtyPages.Store(0)
	assert.True(t, c.IsTooDirty())
}

func TestAlignmentHelpers(t *testing.T) {
	env := newSmallEnv(t)
	c := env.cache

	assert.Equal(t, uint64(0), c.alignDown(4095))
	assert.Equal(t, uint64(4096), c.alignDown(4096))
	assert.Equal(t, uint64(4096), c.alignUp(1))
	assert.Equal(t, uint64(4096), c.alignUp(4096))
}
