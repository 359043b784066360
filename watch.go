package libcluster

import (
	"context"
	"time"

	"github.com/bbcarchdev/libcluster/registry"
)

// balance computes this member's base index and the cluster's total
// worker count from a registry snapshot. snapshot must already be sorted
// ascending by InstanceID; duplicate instance ids are tolerated (first
// occurrence wins the base assignment, both are counted into the prefix
// sum).
func balance(snapshot []registry.Entry, ourInstanceID string, passive bool) (base, total int) {
	base = -1
	seen := false
	for _, e := range snapshot {
		if e.InstanceID == ourInstanceID && !passive && !seen {
			base = total
			seen = true
		}
		total += e.Workers
	}
	return base, total
}

// runBalance performs one synchronous snapshot+balance+commit pass,
// firing the rebalance callback if (base, total) changed. Used both for
// Join's initial synchronous balance and by the watch loop.
func (c *Cluster) runBalance(ctx context.Context) error {
	c.mu.RLock()
	backend := c.backend
	instanceID := c.instanceID
	passive := c.mode == ModePassive
	c.mu.RUnlock()

	snapshot, err := backend.Snapshot(ctx)
	if err != nil {
		return err
	}

	newBase, newTotal := balance(snapshot, instanceID, passive)

	c.mu.Lock()
	oldBase, oldTotal := c.baseIndex, c.totalWorker
	changed := newBase != oldBase || newTotal != oldTotal
	if changed {
		c.baseIndex = newBase
		c.totalWorker = newTotal
	}
	s := c.stateLocked()
	cb := c.rebalancer
	c.mu.Unlock()

	if changed {
		c.logf(LogInfo, "rebalance: base %d->%d total %d->%d", oldBase, newBase, oldTotal, newTotal)
		if cb != nil {
			cb(c, s)
		}
	}
	return nil
}

// watchLoop is the single long-running task that detects registry
// changes, recomputes base/total, and fires the callback at most once
// per distinct transition. AwaitChange blocks until the backend's scope
// plausibly changed (KV: long-poll; SQL: poll-with-forced-cap); a
// successful return of either registry.ChangeDetected or
// registry.ChangeTimeout means "run a balance pass now".
func (c *Cluster) watchLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var lastPoll time.Time
	for {
		select {
		case <-stop:
			return
		default:
		}

		c.mu.RLock()
		backend := c.backend
		c.mu.RUnlock()

		_, err := backend.AwaitChange(backgroundContext(), lastPoll)
		lastPoll = time.Now()
		if err != nil {
			c.logf(LogWarning, "await_change error: %v", err)
			if !sleepOrStop(stop, kvAwaitErrorBackoff) {
				return
			}
			continue
		}

		select {
		case <-stop:
			return
		default:
		}

		if err := c.runBalance(backgroundContext()); err != nil {
			c.logf(LogWarning, "balance pass failed: %v", err)
		}
	}
}

func sleepOrStop(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
