package libcluster

import "time"

// heartbeatLoop is the single long-running task that keeps this member's
// registry entry alive. Its only side effects are registry writes and,
// on exit, one delete. It never runs for passive members (join skips
// spawning it for them).
func (c *Cluster) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(heartbeatTickInterval)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for {
		select {
		case <-stop:
			c.retractOnExit()
			return
		case <-ticker.C:
		}

		c.mu.RLock()
		leaving := c.flags&flagLeaving != 0
		c.mu.RUnlock()
		if leaving {
			c.retractOnExit()
			return
		}

		elapsed += heartbeatTickInterval
		c.mu.RLock()
		refresh := c.refresh
		c.mu.RUnlock()
		if elapsed < refresh {
			continue
		}

		if !c.announceRetryUntilSuccessOrLeaving(stop) {
			// LEAVING was observed mid-retry.
			c.retractOnExit()
			return
		}
		elapsed = 0
	}
}

// announceRetryUntilSuccessOrLeaving announces once per refresh tick,
// and on failure keeps retrying every 5s (without touching the normal
// refresh counter) until it succeeds or LEAVING is set. The first attempt
// requires the entry to still exist, so an expired entry shows up as a
// failure; retries do not, so they re-create it. Returns false if it gave
// up because LEAVING fired.
func (c *Cluster) announceRetryUntilSuccessOrLeaving(stop <-chan struct{}) bool {
	requireExisting := true
	for {
		c.mu.RLock()
		conn := c.hbConn
		instanceID := c.instanceID
		workers := c.workers
		ttl := c.ttl
		c.mu.RUnlock()

		err := conn.Announce(backgroundContext(), instanceID, workers, ttl, requireExisting)
		if err == nil {
			return true
		}
		c.logf(LogErr, "heartbeat announce failed: %v", err)
		requireExisting = false

		select {
		case <-stop:
			return false
		default:
		}
		c.mu.RLock()
		leaving := c.flags&flagLeaving != 0
		c.mu.RUnlock()
		if leaving {
			return false
		}

		if !sleepOrStop(stop, heartbeatRetryBackoff) {
			return false
		}
	}
}

func (c *Cluster) retractOnExit() {
	c.mu.RLock()
	conn := c.hbConn
	instanceID := c.instanceID
	c.mu.RUnlock()
	if conn == nil {
		return
	}
	if err := conn.Retract(backgroundContext(), instanceID); err != nil {
		c.logf(LogWarning, "retract on exit failed: %v", err)
	}
}
