package memmon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateFillAndFree(t *testing.T) {
	p := NewSyntheticProvider()

	phys, err := p.AllocatePage()
	require.NoError(t, err)
	data := p.PageData(phys)
	require.Len(t, data, int(p.PageSize()))
	copy(data, "hello")

	assert.Equal(t, []byte("hello"), p.PageData(phys)[:5])
	assert.Equal(t, 1, p.LiveFrames())

	p.FreePage(phys)
	assert.Equal(t, 0, p.LiveFrames())
	assert.Equal(t, []uint64{phys}, p.FreedPages())
	assert.Nil(t, p.PageData(phys))
}

func TestAllocateHandsOutDistinctFrames(t *testing.T) {
	p := NewSyntheticProvider()

	a, err := p.AllocatePage()
	require.NoError(t, err)
	b, err := p.AllocatePage()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, p.PageSize(), b-a)
}

func TestScriptedAllocationFailure(t *testing.T) {
	p := NewSyntheticProvider()

	p.FailNextAllocations(1)
	_, err := p.AllocatePage()
	require.Error(t, err)

	_, err = p.AllocatePage()
	require.NoError(t, err)
}

func TestMapPageRequiresALiveFrame(t *testing.T) {
	p := NewSyntheticProvider()

	phys, err := p.AllocatePage()
	require.NoError(t, err)

	va, err := p.MapPage(phys)
	require.NoError(t, err)
	assert.NotZero(t, va)

	_, err = p.MapPage(0xdead0000)
	require.Error(t, err)

	p.UnmapRange(va, p.PageSize())
	calls := p.UnmapCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, UnmapCall{VA: va, Length: p.PageSize()}, calls[0])
}

func TestPageOwnerTracking(t *testing.T) {
	p := NewSyntheticProvider()
	phys, err := p.AllocatePage()
	require.NoError(t, err)

	owner := &struct{ name string }{"entry"}
	p.SetPageOwner(phys, owner)
	assert.Equal(t, owner, p.PageOwner(phys))

	p.SetPageOwner(phys, nil)
	assert.Nil(t, p.PageOwner(phys))
}

func TestScriptedTotalsAndWarnings(t *testing.T) {
	p := NewSyntheticProvider()

	p.SetTotalPhysicalPages(100)
	p.SetFreePhysicalPages(10)
	p.SetTotalVirtualBytes(2 << 30)
	p.SetFreeVirtualBytes(1 << 30)
	p.SetVirtualWarningLevel(WarningLevelSevere)

	assert.Equal(t, uint64(100), p.TotalPhysicalPages())
	assert.Equal(t, uint64(10), p.FreePhysicalPages())
	assert.Equal(t, uint64(2<<30), p.TotalVirtualBytes())
	assert.Equal(t, uint64(1<<30), p.FreeVirtualBytes())
	assert.Equal(t, WarningLevelSevere, p.VirtualWarningLevel())
}

func TestWarningEventsNeverBlock(t *testing.T) {
	p := NewSyntheticProvider()

	// The channels hold one token; extra fires are dropped
	p.FirePhysicalWarning()
	p.FirePhysicalWarning()
	p.FireVirtualWarning()
	p.FireVirtualWarning()

	select {
	case <-p.PhysicalWarningEvents():
	default:
		t.Fatal("expected a pending physical warning")
	}
	select {
	case <-p.PhysicalWarningEvents():
		t.Fatal("second fire should have been dropped")
	default:
	}
	select {
	case <-p.VirtualWarningEvents():
	default:
		t.Fatal("expected a pending virtual warning")
	}
}

func TestRequestPagingOutIsJournaled(t *testing.T) {
	p := NewSyntheticProvider()

	p.RequestPagingOut(260)
	p.RequestPagingOut(10)
	assert.Equal(t, []uint64{260, 10}, p.PagingOutRequests())
}

func TestWarningLevelString(t *testing.T) {
	assert.Equal(t, "none", WarningLevelNone.String())
	assert.Equal(t, "low", WarningLevelLow.String())
	assert.Equal(t, "severe", WarningLevelSevere.String())
	assert.Equal(t, "unknown", WarningLevel(9).String())
}
