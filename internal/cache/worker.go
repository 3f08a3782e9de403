package cache

import (
	"context"
	"time"

	"github.com/pagecache/pagecache/pkg/errors"
)

// worker states
const (
	workerClean int32 = iota
	workerDirty
)

// Start launches the background worker. The worker sleeps until either
// the clean delay after the first dirtying elapses or the memory
// provider raises a pressure warning, then alternates trim and
// writeback passes until both settle.
func (c *Cache) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "cache worker already started").
			WithComponent("cache").WithOperation("Start")
	}

	c.logger.Info("starting page cache worker", map[string]interface{}{
		"clean_delay":   c.cleanDelay.String(),
		"trigger_pages": c.triggerPages,
		"retreat_pages": c.retreatPages,
	})

	c.wg.Add(1)
	go c.workerLoop(ctx)
	return nil
}

// Stop shuts the worker down and waits for the pass in flight
func (c *Cache) Stop() error {
	if !c.started.CompareAndSwap(true, false) {
		return errors.NewError(errors.ErrCodeInvalidState, "cache worker not started").
			WithComponent("cache").WithOperation("Stop")
	}
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("page cache worker stopped", nil)
	return nil
}

// ScheduleWorker arms the worker's delay timer if it is not already
// pending. Called on every clean to dirty transition; only the first
// one after a completed pass actually arms anything.
func (c *Cache) ScheduleWorker() {
	if !c.workerState.CompareAndSwap(workerClean, workerDirty) {
		return
	}
	select {
	case c.workerWake <- struct{}{}:
	default:
	}
}

// LastCleanTime returns when a worker pass last began
func (c *Cache) LastCleanTime() time.Time {
	return time.Unix(0, c.lastCleanTime.Load())
}

// disarm stops a pending timer so a pressure-driven pass does not get
// an echo pass right behind it.
func disarm(timer *time.Timer, armed bool) bool {
	if armed && !timer.Stop() {
		<-timer.C
	}
	return false
}

func (c *Cache) workerLoop(ctx context.Context) {
	defer c.wg.Done()

	timer := time.NewTimer(c.cleanDelay)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-c.workerWake:
			if !armed {
				timer.Reset(c.cleanDelay)
				armed = true
			}
		case <-timer.C:
			armed = false
			c.runPass(ctx, "timer")
		case <-c.mm.PhysicalWarningEvents():
			armed = disarm(timer, armed)
			c.runPass(ctx, "physical_pressure")
		case <-c.mm.VirtualWarningEvents():
			armed = disarm(timer, armed)
			c.runPass(ctx, "virtual_pressure")
		}
	}
}

// runPass is one worker pass: drain evicted pages, trim when memory is
// tight, then write dirty files back. A TryAgain from writeback means
// trim has new clean pages to take, so the pass loops.
func (c *Cache) runPass(ctx context.Context, trigger string) {
	c.lastCleanTime.Store(time.Now().UnixNano())
	if c.metrics != nil {
		c.metrics.RecordWorkerRun(trigger)
	}

	for {
		c.drainRemovalList()

		if c.isTooBig() || c.isTooMapped() {
			if _, err := c.Trim(false); err != nil {
				c.logger.Error("trim pass failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}

		err := c.FlushFileObjects(ctx)
		if err == nil {
			break
		}
		if errors.IsTryAgain(err) {
			continue
		}
		c.logger.Error("writeback pass failed", map[string]interface{}{
			"error": err.Error(),
		})
		break
	}

	c.workerState.Store(workerClean)
	if c.registry.DirtyCount() > 0 {
		c.ScheduleWorker()
	}
}
