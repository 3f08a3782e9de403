package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRoundsUpToBucket(t *testing.T) {
	p := NewBytePool()

	buf := p.Get(5000)
	assert.Len(t, buf, 5000)
	assert.Equal(t, 8192, cap(buf))

	buf = p.Get(4096)
	assert.Len(t, buf, 4096)
	assert.Equal(t, 4096, cap(buf))
}

func TestGetBeyondLargestBucketAllocates(t *testing.T) {
	p := NewBytePool()

	buf := p.Get(2 << 20)
	assert.Len(t, buf, 2<<20)
}

func TestPutClearsBeforeReuse(t *testing.T) {
	p := NewBytePool()

	buf := p.Get(4096)
	for i := range buf {
		buf[i] = 0xaa
	}
	p.Put(buf)

	again := p.Get(4096)
	assert.Equal(t, make([]byte, 4096), again)
}

func TestPutToleratesForeignBuffers(t *testing.T) {
	p := NewBytePool()

	p.Put(nil)
	p.Put(make([]byte, 100))
}

func TestGetStats(t *testing.T) {
	p := NewBytePool()
	stats := p.GetStats()

	require.NotEmpty(t, stats.PoolSizes)
	assert.Equal(t, len(stats.PoolSizes), stats.TotalPools)
	assert.Equal(t, 4096, stats.MinBufferSize)
	assert.Equal(t, 1048576, stats.MaxBufferSize)
	assert.Contains(t, stats.PoolSizes, 131072)
}

func TestDefaultPoolHelpers(t *testing.T) {
	buf := GetBuffer(16384)
	assert.Len(t, buf, 16384)
	PutBuffer(buf)

	stats := GetPoolStats()
	assert.Equal(t, 4096, stats.MinBufferSize)
}
