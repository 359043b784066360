package libcluster

import (
	"context"
	"fmt"

	"github.com/bbcarchdev/libcluster/registry"
	"github.com/bbcarchdev/libcluster/registry/kv"
	"github.com/bbcarchdev/libcluster/registry/sql"
)

// Join moves the cluster from UNJOINED to JOINED as an active member.
// Calling Join while already JOINED is a no-op returning success.
func (c *Cluster) Join() error {
	return c.join(ModeActive)
}

// JoinPassive moves the cluster to JOINED as a passive observer: it
// contributes zero workers and never heartbeats, but still tracks total
// and peers.
func (c *Cluster) JoinPassive() error {
	return c.join(ModePassive)
}

func (c *Cluster) join(mode Mode) error {
	c.mu.Lock()
	if c.isJoined() {
		c.mu.Unlock()
		return nil
	}
	c.mode = mode
	if !c.instanceIDSet {
		c.instanceID = generateInstanceID()
	}
	static := c.isStatic()
	c.mu.Unlock()

	if static {
		return c.joinStatic()
	}
	return c.joinRegistry()
}

func (c *Cluster) joinRegistry() error {
	backend, err := c.dialBackend()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	hbBackend, err := c.dialBackend()
	if err != nil {
		backend.Close()
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	ctx := context.Background()
	if err := backend.MaybeMigrateSchema(ctx); err != nil {
		backend.Close()
		hbBackend.Close()
		return fmt.Errorf("%w: schema migration: %v", ErrBackendUnavailable, err)
	}

	c.mu.Lock()
	c.backend = backend
	c.hbConn = hbBackend
	c.flags |= flagJoined
	workers := c.workers
	ttl := c.ttl
	instanceID := c.instanceID
	passive := c.mode == ModePassive
	c.mu.Unlock()

	if !passive {
		if err := backend.Announce(ctx, instanceID, workers, ttl, false); err != nil {
			c.logf(LogErr, "initial announce failed: %v", err)
			c.clearJoined()
			c.leave(false)
			return fmt.Errorf("%w: initial announce: %v", ErrBackendUnavailable, err)
		}
	}

	if err := c.runBalance(ctx); err != nil {
		c.logf(LogErr, "initial balance failed: %v", err)
		c.clearJoined()
		c.leave(false)
		return fmt.Errorf("%w: initial balance: %v", ErrBackendUnavailable, err)
	}

	c.mu.Lock()
	c.hbStop = make(chan struct{})
	c.hbDone = make(chan struct{})
	c.watchStop = make(chan struct{})
	c.watchDone = make(chan struct{})
	hbStop, hbDone := c.hbStop, c.hbDone
	watchStop, watchDone := c.watchStop, c.watchDone
	c.mu.Unlock()

	if !passive {
		go c.heartbeatLoop(hbStop, hbDone)
	} else {
		close(hbDone)
	}
	go c.watchLoop(watchStop, watchDone)

	return nil
}

func (c *Cluster) clearJoined() {
	c.mu.Lock()
	c.flags &^= flagJoined
	c.mu.Unlock()
}

func (c *Cluster) joinStatic() error {
	c.mu.Lock()
	if !c.staticSet || c.staticTotal == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: static mode requires SetStaticIndex and SetStaticTotal", ErrInvalid)
	}
	if c.staticIndex+c.workers > c.staticTotal {
		c.mu.Unlock()
		return fmt.Errorf("%w: static_index + workers exceeds static_total", ErrInvalid)
	}
	c.baseIndex = c.staticIndex
	c.totalWorker = c.staticTotal
	c.flags |= flagJoined
	s := c.stateLocked()
	cb := c.rebalancer
	c.mu.Unlock()

	if cb != nil {
		cb(c, s)
	}
	return nil
}

// Leave moves a JOINED cluster back to UNJOINED. A no-op if not joined.
func (c *Cluster) Leave() error {
	return c.leave(false)
}

func (c *Cluster) leave(destroying bool) error {
	c.mu.Lock()
	if !c.isJoined() {
		c.mu.Unlock()
		if destroying {
			return nil
		}
		return nil
	}
	if c.isStatic() {
		c.flags &^= (flagJoined | flagLeaving)
		c.baseIndex = -1
		c.totalWorker = 0
		c.mu.Unlock()
		return nil
	}
	c.flags |= flagLeaving
	hbStop := c.hbStop
	hbDone := c.hbDone
	watchStop := c.watchStop
	watchDone := c.watchDone
	hbConn := c.hbConn
	backend := c.backend
	instanceID := c.instanceID
	hadHeartbeat := hbStop != nil
	passive := c.mode == ModePassive
	c.mu.Unlock()

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

	// The heartbeat loop performs the final retract on its way out. In
	// passive mode, or if the heartbeat loop never ran, leave issues it
	// synchronously.
	if passive || !hadHeartbeat {
		if backend != nil {
			if err := backend.Retract(context.Background(), instanceID); err != nil {
				c.logf(LogWarning, "synchronous retract failed: %v", err)
			}
		}
	}

	c.mu.Lock()
	c.flags &^= (flagJoined | flagLeaving)
	c.baseIndex = -1
	c.totalWorker = 0
	c.hbStop, c.hbDone, c.watchStop, c.watchDone = nil, nil, nil, nil
	c.backend, c.hbConn = nil, nil
	c.mu.Unlock()

	if backend != nil {
		backend.Close()
	}
	if hbConn != nil {
		hbConn.Close()
	}
	return nil
}

func (c *Cluster) dialBackend() (registry.Backend, error) {
	if c.newBackend != nil {
		return c.newBackend()
	}
	c.mu.RLock()
	endpoint := c.registryEndpoint
	key := c.key
	env := c.environment
	partition := c.partition
	c.mu.RUnlock()

	kind, err := parseRegistryScheme(endpoint)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "kv":
		return kv.New(endpoint, key, env, partition)
	case "sql":
		return sql.New(endpoint, key, env, partition)
	default:
		return nil, fmt.Errorf("%w: unsupported registry endpoint %q", ErrInvalid, endpoint)
	}
}
