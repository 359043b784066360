package libcluster

import "sync"

// forkSnapshot captures what Prepare needs to restore after the fork
// point and what the post-fork hooks need to decide whether to rejoin.
type forkSnapshot struct {
	wasJoined  bool
	forkPolicy ForkPolicy
}

// Prepare quiesces both background loops ahead of a process fork. It
// must be called from the parent, on the same Cluster the child process
// will inherit, immediately before calling fork(2) (e.g. via a cgo
// wrapper or os/exec prefork helper).
func (c *Cluster) Prepare() {
	c.mu.Lock()
	wasJoined := c.isJoined()
	policy := c.forkPolicy
	hbStop, hbDone := c.hbStop, c.hbDone
	watchStop, watchDone := c.watchStop, c.watchDone
	if wasJoined && !c.isStatic() {
		c.flags |= flagLeaving
	}
	c.mu.Unlock()

	if wasJoined && !c.isStatic() {
		if hbStop != nil {
			close(hbStop)
		}
		if watchStop != nil {
			close(watchStop)
		}
		if hbDone != nil {
			<-hbDone
		}
		if watchDone != nil {
			<-watchDone
		}
	}

	c.mu.Lock()
	c.baseIndex = -1
	c.totalWorker = 0
	c.hbStop, c.hbDone, c.watchStop, c.watchDone = nil, nil, nil, nil
	// Restore original flags: clear LEAVING, leave JOINED exactly as it
	// was so the post-fork hooks know whether to rejoin.
	c.flags &^= flagLeaving
	c.forkSnap = &forkSnapshot{wasJoined: wasJoined, forkPolicy: policy}
	c.mu.Unlock()
}

// ParentAfterFork runs in the parent process immediately after fork(2)
// returns. If fork_policy includes PARENT and the cluster was joined,
// it re-announces, re-balances, and respawns the loops; otherwise the
// parent is treated as having left.
func (c *Cluster) ParentAfterFork() error {
	snap := c.takeForkSnap()
	if snap == nil || !snap.wasJoined {
		c.clearJoined()
		return nil
	}
	if snap.forkPolicy != ForkParentOnly && snap.forkPolicy != ForkBoth {
		c.clearJoined()
		return nil
	}
	return c.rejoinAfterFork()
}

// ChildAfterFork runs in the child process immediately after fork(2)
// returns. The readers-writer lock's state across fork is undefined, so
// it is always re-initialized first.
func (c *Cluster) ChildAfterFork() error {
	c.mu = sync.RWMutex{}

	snap := c.takeForkSnap()
	if snap == nil || !snap.wasJoined {
		c.clearJoined()
		return nil
	}
	if snap.forkPolicy != ForkChildOnly && snap.forkPolicy != ForkBoth {
		c.clearJoined()
		return nil
	}
	if snap.forkPolicy == ForkBoth {
		// Parent and child must not collide under the same identity.
		c.mu.Lock()
		c.instanceID = generateInstanceID()
		c.mu.Unlock()
	}
	return c.rejoinAfterFork()
}

func (c *Cluster) takeForkSnap() *forkSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.forkSnap
	c.forkSnap = nil
	return snap
}

func (c *Cluster) rejoinAfterFork() error {
	c.mu.Lock()
	c.flags &^= flagJoined
	c.mu.Unlock()
	if c.isStatic() {
		return c.joinStatic()
	}
	return c.joinRegistry()
}
