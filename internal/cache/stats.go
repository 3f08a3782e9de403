package cache

import (
	"time"

	"github.com/pagecache/pagecache/pkg/errors"
)

// StatisticsVersion is the layout version callers must set before
// asking for a snapshot.
const StatisticsVersion = 1

// Statistics is a point-in-time snapshot of the cache counters and
// thresholds. Counters are sampled independently, so a snapshot taken
// under load can be off by the few updates in flight.
type Statistics struct {
	Version int

	EntryCount       int64
	PhysicalPages    int64
	DirtyPages       int64
	MappedPages      int64
	MappedDirtyPages int64

	TriggerPages       uint64
	RetreatPages       uint64
	MinimumPages       uint64
	MinimumTargetPages uint64

	LastCleanTime time.Time
}

// GetStatistics fills stats with the current counter values. The
// caller declares which layout it expects through stats.Version.
func (c *Cache) GetStatistics(stats *Statistics) error {
	if stats == nil || stats.Version != StatisticsVersion {
		return errors.NewError(errors.ErrCodeInvalidParameter, "unsupported statistics version").
			WithComponent("cache").WithOperation("GetStatistics")
	}

	stats.EntryCount = c.entryCount.Load()
	stats.PhysicalPages = c.physicalPages.Load()
	stats.DirtyPages = c.dirtyPages.Load()
	stats.MappedPages = c.mappedPages.Load()
	stats.MappedDirtyPages = c.mappedDirtyPages.Load()

	stats.TriggerPages = c.triggerPages
	stats.RetreatPages = c.retreatPages
	stats.MinimumPages = c.minimumPages
	stats.MinimumTargetPages = c.minimumTargetPages

	stats.LastCleanTime = time.Unix(0, c.lastCleanTime.Load())
	return nil
}
