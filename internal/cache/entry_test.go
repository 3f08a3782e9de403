package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecache/pagecache/internal/config"
	"github.com/pagecache/pagecache/internal/fileobject"
	"github.com/pagecache/pagecache/pkg/memmon"
)

func TestReleaseParksIdleCleanEntryOnLRU(t *testing.T) {
	env := newSmallEnv(t)
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)
	e := env.page(t, f, 0, 0xaa)

	require.Equal(t, int32(1), e.RefCount())
	e.Release()

	assert.Equal(t, int32(0), e.RefCount())
	env.cache.listMu.Lock()
	assert.Equal(t, listCleanLRU, e.tag)
	assert.Equal(t, 1, env.cache.cleanLRU.Len())
	env.cache.listMu.Unlock()
}

func TestReleaseKeepsDirtyEntryOffCleanLRU(t *testing.T) {
	env := newSmallEnv(t)
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)
	e := env.page(t, f, 0, 0xaa)
	require.True(t, env.cache.MarkDirty(e))

	e.Release()

	env.cache.listMu.Lock()
	assert.Equal(t, listDirty, e.tag)
	assert.Equal(t, 0, env.cache.cleanLRU.Len())
	env.cache.listMu.Unlock()
}

func TestOverReleasePanics(t *testing.T) {
	env := newSmallEnv(t)
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)
	e := env.page(t, f, 0, 0)
	e.Release()

	require.Panics(t, func() { e.Release() })
}

func TestSetVAOnlyFirstMapperWins(t *testing.T) {
	env := newSmallEnv(t)
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)
	e := env.page(t, f, 0, 0)

	va, err := env.mm.MapPage(e.Phys())
	require.NoError(t, err)

	assert.True(t, e.SetVA(va))
	assert.False(t, e.SetVA(va+4096))
	assert.Equal(t, va, e.VA())
	assert.True(t, e.IsMapped())
	assert.Equal(t, int64(1), env.cache.mappedPages.Load())

	e.Release()
}

func TestSetVADisabledByConfiguration(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Configuration, mm *memmon.SyntheticProvider) {
		cfg.Cache.DisableVirtualAddresses = true
	})
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)
	e := env.page(t, f, 0, 0)

	va, err := env.mm.MapPage(e.Phys())
	require.NoError(t, err)

	assert.False(t, e.SetVA(va))
	assert.False(t, e.IsMapped())
	assert.Equal(t, int64(0), env.cache.mappedPages.Load())
	e.Release()
}

func TestVALazilyMirroredFromBackingOwner(t *testing.T) {
	env := newSmallEnv(t)
	dev := env.file(t, "dev", fileobject.KindBlockDevice, 1<<20)
	reg := env.file(t, "a", fileobject.KindRegular, 1<<20)

	lower := env.page(t, dev, 0, 0x11)
	upper, created, err := env.cache.CreateOrLookup(reg, 0, 0, 0, lower)
	require.NoError(t, err)
	require.True(t, created)
	require.Same(t, lower, upper.Backing())
	assert.Equal(t, lower.Phys(), upper.Phys())

	// Owner not mapped yet, nothing to mirror
	assert.Equal(t, uint64(0), upper.VA())

	// Map through the owner; the non-owner picks the address up lazily
	va, err := env.mm.MapPage(lower.Phys())
	require.NoError(t, err)
	require.True(t, lower.SetVA(va))
	require.Equal(t, uint64(0), upper.va.Load())

	assert.True(t, lower.IsMapped())
	assert.False(t, upper.IsMapped())
	assert.Equal(t, va, upper.VA())
	assert.Equal(t, va, lower.VA())

	upper.Release()
	lower.Release()
}
