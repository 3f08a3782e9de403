package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecache/pagecache/internal/fileobject"
	"github.com/pagecache/pagecache/pkg/errors"
)

func TestFlushSinglePageWritesThrough(t *testing.T) {
	env := newSmallEnv(t)
	ps := env.cache.pageSize
	f := env.file(t, "a", fileobject.KindRegular, ps)

	e := env.page(t, f, 0, 0)
	copy(env.mm.PageData(e.Phys()), "ABCD")
	require.True(t, env.cache.MarkDirty(e))
	e.Release()

	require.NoError(t, env.cache.Flush(context.Background(), f, 0, WholeFile, 0, 0))

	journal := env.store.Journal()
	require.Len(t, journal, 1)
	assert.Equal(t, uint64(0), journal[0].Offset)
	assert.Equal(t, ps, journal[0].Length)
	assert.Equal(t, []byte("ABCD"), env.store.FileData("a")[:4])

	assert.False(t, e.IsDirty())
	assert.False(t, f.IsDirty())
	assert.Equal(t, 0, env.reg.DirtyCount())
}

func TestFlushToleratesCleanStreakInsideRun(t *testing.T) {
	env := newSmallEnv(t)
	ps := env.cache.pageSize
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)

	// Pages at 0..3 and 7; dirty at 0, 2, 3, and 7. The clean page at 1
	// rides along inside the first run; the gap at 4..6 splits the rest.
	for _, n := range []uint64{0, 1, 2, 3, 7} {
		e := env.page(t, f, n*ps, byte(n))
		e.Release()
	}
	for _, n := range []uint64{0, 2, 3, 7} {
		e := env.cache.Lookup(f, n*ps)
		require.NotNil(t, e)
		require.True(t, env.cache.MarkDirty(e))
		e.Release()
	}

	require.NoError(t, env.cache.Flush(context.Background(), f, 0, WholeFile, 0, 0))

	journal := env.store.Journal()
	require.Len(t, journal, 2)
	assert.Equal(t, uint64(0), journal[0].Offset)
	assert.Equal(t, 4*ps, journal[0].Length)
	assert.Equal(t, 7*ps, journal[1].Offset)
	assert.Equal(t, ps, journal[1].Length)
}

func TestFlushDropsTrailingCleanPages(t *testing.T) {
	env := newSmallEnv(t)
	ps := env.cache.pageSize
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)

	// Dirty page at 0, clean neighbours at 1 and 2. Only the dirty page
	// is worth writing.
	for _, n := range []uint64{0, 1, 2} {
		e := env.page(t, f, n*ps, byte(n))
		e.Release()
	}
	e := env.cache.Lookup(f, 0)
	require.True(t, env.cache.MarkDirty(e))
	e.Release()

	require.NoError(t, env.cache.Flush(context.Background(), f, 0, WholeFile, 0, 0))

	journal := env.store.Journal()
	require.Len(t, journal, 1)
	assert.Equal(t, uint64(0), journal[0].Offset)
	assert.Equal(t, ps, journal[0].Length)
}

func TestFlushSplitsRunsAtTheCoalescingCeiling(t *testing.T) {
	env := newSmallEnv(t)
	ps := env.cache.pageSize
	maxPages := env.cache.flushMaxBytes / ps
	f := env.file(t, "a", fileobject.KindRegular, 1<<24)

	total := maxPages + 3
	for n := uint64(0); n < total; n++ {
		env.dirtyPage(t, f, n*ps, byte(n))
	}

	require.NoError(t, env.cache.Flush(context.Background(), f, 0, WholeFile, 0, 0))

	journal := env.store.Journal()
	require.Len(t, journal, 2)
	assert.Equal(t, env.cache.flushMaxBytes, journal[0].Length)
	assert.Equal(t, maxPages*ps, journal[1].Offset)
	assert.Equal(t, 3*ps, journal[1].Length)
}

func TestFlushRangeWritesExactPageBytes(t *testing.T) {
	env := newSmallEnv(t)
	ps := env.cache.pageSize
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)

	want := make([]byte, ps)
	for i := range want {
		want[i] = byte(i % 251)
	}
	e := env.page(t, f, 2*ps, 0)
	copy(env.mm.PageData(e.Phys()), want)
	require.True(t, env.cache.MarkDirty(e))
	e.Release()

	require.NoError(t, env.cache.Flush(context.Background(), f, 2*ps, ps, 0, 0))

	journal := env.store.Journal()
	require.Len(t, journal, 1)
	assert.Equal(t, 2*ps, journal[0].Offset)
	assert.Equal(t, want, env.store.FileData("a")[2*ps:3*ps])
}

func TestFlushClampsToFileSize(t *testing.T) {
	env := newSmallEnv(t)
	ps := env.cache.pageSize
	f := env.file(t, "a", fileobject.KindRegular, ps/2)

	env.dirtyPage(t, f, 0, 0x5a)

	require.NoError(t, env.cache.Flush(context.Background(), f, 0, WholeFile, 0, 0))

	journal := env.store.Journal()
	require.Len(t, journal, 1)
	assert.Equal(t, ps/2, journal[0].Length)
	assert.Equal(t, ps/2, env.store.FileSize("a"))
}

func TestFlushCleanFileWritesNothing(t *testing.T) {
	env := newSmallEnv(t)
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)
	e := env.page(t, f, 0, 0xaa)
	e.Release()

	require.NoError(t, env.cache.Flush(context.Background(), f, 0, WholeFile, 0, 0))
	assert.Empty(t, env.store.Journal())
}

func TestFlushErrorRedirtiesPagesAndFile(t *testing.T) {
	env := newSmallEnv(t)
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)
	e := env.dirtyPage(t, f, 0, 0xaa)

	env.store.FailNextWrites(1)
	err := env.cache.Flush(context.Background(), f, 0, WholeFile, 0, 0)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStorageWrite, errors.Code(err))

	// The write token went back: the page is dirty again and the file is
	// back on the writeback list for the worker to retry.
	assert.True(t, e.IsDirty())
	assert.Equal(t, int64(1), env.cache.dirtyPages.Load())
	assert.True(t, f.IsDirty())
}

func TestFlushShortWriteRedirtiesFromCompletedBoundary(t *testing.T) {
	env := newSmallEnv(t)
	ps := env.cache.pageSize
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)

	e0 := env.dirtyPage(t, f, 0, 0x01)
	e1 := env.dirtyPage(t, f, ps, 0x02)

	env.store.ShortWriteNext(ps)
	err := env.cache.Flush(context.Background(), f, 0, WholeFile, 0, 0)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDataLengthMismatch, errors.Code(err))

	// The first page made it to the store and stays clean; the second is
	// dirty again.
	assert.False(t, e0.IsDirty())
	assert.True(t, e1.IsDirty())
	assert.True(t, f.IsDirty())
	assert.Equal(t, ps, env.store.FileSize("a"))
}

func TestFlushPageCapBoundsDirtyPagesWritten(t *testing.T) {
	env := newSmallEnv(t)
	ps := env.cache.pageSize
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)

	// Three isolated dirty pages so each run holds exactly one
	for _, n := range []uint64{0, 8, 16} {
		env.dirtyPage(t, f, n*ps, byte(n))
	}

	require.NoError(t, env.cache.Flush(context.Background(), f, 0, WholeFile, 0, 2))

	assert.Len(t, env.store.Journal(), 2)
	assert.Equal(t, int64(1), env.cache.dirtyPages.Load())
}

func TestFlushSynchronizedSyncsTheStore(t *testing.T) {
	env := newSmallEnv(t)
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)
	env.dirtyPage(t, f, 0, 0xaa)

	require.NoError(t, env.cache.Flush(context.Background(), f, 0, WholeFile, FlushDataSynchronized, 0))
	assert.Equal(t, 1, env.store.SyncCount("a"))
}

func TestBlockDeviceFlushSyncsAfterWriting(t *testing.T) {
	env := newSmallEnv(t)
	dev := env.file(t, "dev", fileobject.KindBlockDevice, 1<<20)
	env.dirtyPage(t, dev, 0, 0xaa)

	require.NoError(t, env.cache.Flush(context.Background(), dev, 0, WholeFile, 0, 0))
	assert.Equal(t, 1, env.store.SyncCount("dev"))

	// Nothing written, nothing to sync
	env.store.ClearJournal()
	require.NoError(t, env.cache.Flush(context.Background(), dev, 0, WholeFile, 0, 0))
	assert.Equal(t, 1, env.store.SyncCount("dev"))
}

func TestFlushRejectsUnalignedOffset(t *testing.T) {
	env := newSmallEnv(t)
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)

	err := env.cache.Flush(context.Background(), f, 13, WholeFile, 0, 0)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidParameter, errors.Code(err))
}

func TestWorkerFlushYieldsTryAgainUnderMemoryPressure(t *testing.T) {
	env := newSmallEnv(t)
	ps := env.cache.pageSize
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)

	// Park enough clean pages that re-trimming is worthwhile, then make
	// physical memory scarce.
	for n := uint64(1); n <= 12; n++ {
		e := env.page(t, f, n*ps, byte(n))
		e.Release()
	}
	env.dirtyPage(t, f, 0, 0xaa)
	env.mm.SetFreePhysicalPages(5)

	err := env.cache.FlushFileObjects(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTryAgain(err))
}

func TestFlushFileObjectsRemembersFirstError(t *testing.T) {
	env := newSmallEnv(t)
	fa := env.file(t, "a", fileobject.KindRegular, 1<<20)
	fb := env.file(t, "b", fileobject.KindRegular, 1<<20)
	env.dirtyPage(t, fa, 0, 0x01)
	env.dirtyPage(t, fb, 0, 0x02)

	env.store.FailNextWrites(1)
	err := env.cache.FlushFileObjects(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStorageWrite, errors.Code(err))

	// The second file still got flushed
	assert.Len(t, env.store.Journal(), 1)
	assert.Equal(t, 1, env.reg.DirtyCount())
}

func TestSynchronizeBlockDeviceRefusesRegularFiles(t *testing.T) {
	env := newSmallEnv(t)
	f := env.file(t, "a", fileobject.KindRegular, 1<<20)

	err := env.cache.SynchronizeBlockDevice(context.Background(), f)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidParameter, errors.Code(err))

	dev := env.file(t, "dev", fileobject.KindBlockDevice, 1<<20)
	require.NoError(t, env.cache.SynchronizeBlockDevice(context.Background(), dev))
	assert.Equal(t, 1, env.store.SyncCount("dev"))
}
