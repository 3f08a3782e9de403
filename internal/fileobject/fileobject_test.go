package fileobject

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagecache/pagecache/pkg/errors"
)

func TestKindClassification(t *testing.T) {
	assert.Equal(t, "regular", KindRegular.String())
	assert.Equal(t, "block_device", KindBlockDevice.String())
	assert.Equal(t, "unknown", Kind(99).String())

	assert.True(t, KindRegular.Cacheable())
	assert.True(t, KindPageFile.Cacheable())
	assert.False(t, KindSymlink.Cacheable())
	assert.False(t, KindPipe.Cacheable())

	assert.True(t, KindRegular.Linkable())
	assert.True(t, KindBlockDevice.Linkable())
	assert.False(t, KindSharedMemory.Linkable())
}

func TestCreateAssignsUniqueIDs(t *testing.T) {
	r := NewRegistry()

	a, err := r.Create("a", KindRegular, 100)
	require.NoError(t, err)
	b, err := r.Create("b", KindBlockDevice, 200)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "a", a.Key())
	assert.Equal(t, uint64(100), a.Size())
	assert.True(t, b.IsBlockDevice())
	assert.Equal(t, 2, r.Count())
}

func TestCreateRefusesDuplicateKeys(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("a", KindRegular, 0)
	require.NoError(t, err)

	_, err = r.Create("a", KindRegular, 0)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.Code(err))
}

func TestLookupByIDAndKey(t *testing.T) {
	r := NewRegistry()
	f, err := r.Create("a", KindRegular, 0)
	require.NoError(t, err)

	got, ok := r.Lookup(f.ID())
	require.True(t, ok)
	assert.Same(t, f, got)

	got, ok = r.LookupKey("a")
	require.True(t, ok)
	assert.Same(t, f, got)

	_, ok = r.Lookup(9999)
	assert.False(t, ok)
	_, ok = r.LookupKey("missing")
	assert.False(t, ok)
}

func TestRemoveRefusesDirtyFiles(t *testing.T) {
	r := NewRegistry()
	f, err := r.Create("a", KindRegular, 0)
	require.NoError(t, err)

	f.NotifyDirty()
	err = r.Remove(f)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeResourceInUse, errors.Code(err))

	f.NotifyClean()
	require.NoError(t, r.Remove(f))
	assert.Equal(t, 0, r.Count())
	_, ok := r.LookupKey("a")
	assert.False(t, ok)
}

func TestDirtyListKeepsFirstDirtiedOrder(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Create("a", KindRegular, 0)
	b, _ := r.Create("b", KindRegular, 0)
	c, _ := r.Create("c", KindRegular, 0)

	b.NotifyDirty()
	a.NotifyDirty()
	c.NotifyDirty()
	// Re-notifying does not reorder
	b.NotifyDirty()

	assert.Equal(t, []*FileObject{b, a, c}, r.DirtyObjects())
	assert.Equal(t, 3, r.DirtyCount())

	// Removing from the middle keeps the neighbours linked
	a.NotifyClean()
	assert.Equal(t, []*FileObject{b, c}, r.DirtyObjects())

	b.NotifyClean()
	c.NotifyClean()
	c.NotifyClean()
	assert.Equal(t, 0, r.DirtyCount())
	assert.Empty(t, r.DirtyObjects())
}

func TestRefCounting(t *testing.T) {
	r := NewRegistry()
	f, _ := r.Create("a", KindRegular, 0)

	f.Ref()
	f.Ref()
	assert.Equal(t, int32(2), f.RefCount())
	assert.Equal(t, int32(1), f.Unref())
	assert.Equal(t, int32(0), f.Unref())
}

func TestSetSize(t *testing.T) {
	r := NewRegistry()
	f, _ := r.Create("a", KindRegular, 100)

	f.SetSize(50)
	assert.Equal(t, uint64(50), f.Size())
}
