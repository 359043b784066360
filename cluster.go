// Package libcluster lets cooperating processes agree, without direct
// peer-to-peer communication, on a contiguous integer assignment of
// workers by balancing against a shared registry.
package libcluster

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bbcarchdev/libcluster/registry"
)

// Cluster is a single member's handle onto a named cluster. Create one
// with New, configure it with the setters, then Join. All exported
// methods except the non-locking getters (Key, Environment, InstanceID,
// Partition) are safe for concurrent use.
type Cluster struct {
	mu sync.RWMutex

	// config, immutable after Join (enforced by requireUnjoined).
	key              string
	environment      string
	partition        string
	instanceID       string
	instanceIDSet    bool
	workers          int
	ttl              time.Duration
	refresh          time.Duration
	registryEndpoint string
	mode             Mode
	forkPolicy       ForkPolicy
	staticIndex      int
	staticTotal      int
	staticSet        bool

	// mutable state, guarded by mu.
	flags       flag
	baseIndex   int
	totalWorker int

	logger     LogFunc
	rebalancer RebalanceFunc

	backend registry.Backend // watch/balance loop's connection
	hbConn  registry.Backend // heartbeat loop's own connection

	hbDone    chan struct{}
	watchDone chan struct{}
	hbStop    chan struct{}
	watchStop chan struct{}

	forkSnap *forkSnapshot

	// newBackend is overridable for tests; production code leaves it nil
	// and dialRegistry resolves a real backend from registryEndpoint.
	newBackend func() (registry.Backend, error)
}

// New creates an UNJOINED cluster handle named key. key must be ≤32
// alphanumeric/hyphen characters.
func New(key string) (*Cluster, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	c := &Cluster{
		key:         key,
		environment: defaultEnvironment,
		workers:     defaultWorkers,
		ttl:         defaultTTL,
		refresh:     defaultRefresh,
		mode:        ModeActive,
		forkPolicy:  ForkChildOnly,
		baseIndex:   -1,
	}
	c.logger = defaultLogger(key)
	return c, nil
}

// Destroy implies Leave, then releases the cluster's resources. After
// Destroy the Cluster must not be used again.
func (c *Cluster) Destroy() error {
	return c.leave(true)
}

func (c *Cluster) isJoined() bool {
	return c.flags&flagJoined != 0
}

func (c *Cluster) requireUnjoined() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.isJoined() {
		return fmt.Errorf("%w: cannot reconfigure while joined", ErrNotPermitted)
	}
	return nil
}

// SetEnvironment sets the namespace within key. Only valid before Join.
func (c *Cluster) SetEnvironment(env string) error {
	if err := c.requireUnjoined(); err != nil {
		return err
	}
	if env == "" {
		env = defaultEnvironment
	}
	c.mu.Lock()
	c.environment = env
	c.mu.Unlock()
	return nil
}

// SetPartition sets an optional sub-namespace within the environment.
func (c *Cluster) SetPartition(partition string) error {
	if err := c.requireUnjoined(); err != nil {
		return err
	}
	c.mu.Lock()
	c.partition = partition
	c.mu.Unlock()
	return nil
}

// SetInstanceID pins a stable identifier for this process instance.
func (c *Cluster) SetInstanceID(id string) error {
	if err := validateInstanceID(id); err != nil {
		return err
	}
	if err := c.requireUnjoined(); err != nil {
		return err
	}
	c.mu.Lock()
	c.instanceID = id
	c.instanceIDSet = true
	c.mu.Unlock()
	return nil
}

// ResetInstanceID discards any pinned instance id; a fresh one is
// generated on the next Join.
func (c *Cluster) ResetInstanceID() error {
	if err := c.requireUnjoined(); err != nil {
		return err
	}
	c.mu.Lock()
	c.instanceID = ""
	c.instanceIDSet = false
	c.mu.Unlock()
	return nil
}

// SetWorkers sets how many worker slots this member contributes.
func (c *Cluster) SetWorkers(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalid)
	}
	if err := c.requireUnjoined(); err != nil {
		return err
	}
	c.mu.Lock()
	c.workers = n
	c.mu.Unlock()
	return nil
}

// SetRegistry sets the registry endpoint URI. Scheme http(s) selects the
// KV backend, a recognized SQL scheme selects the SQL backend, and an
// empty URI selects static mode.
func (c *Cluster) SetRegistry(endpoint string) error {
	if err := c.requireUnjoined(); err != nil {
		return err
	}
	if endpoint != "" {
		if _, err := parseRegistryScheme(endpoint); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.registryEndpoint = endpoint
	c.mu.Unlock()
	return nil
}

func parseRegistryScheme(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch u.Scheme {
	case "http", "https":
		return "kv", nil
	case "sqlite", "sqlite3", "postgres", "postgresql", "mysql":
		return "sql", nil
	default:
		return "", fmt.Errorf("%w: unrecognized registry scheme %q", ErrInvalid, u.Scheme)
	}
}

// SetLogger sets the logging callback. Valid at any time, including
// while joined.
func (c *Cluster) SetLogger(fn LogFunc) {
	c.mu.Lock()
	c.logger = fn
	c.mu.Unlock()
}

// SetRebalanceCallback sets the function invoked whenever (base, total)
// change. Invoked without the lock held.
func (c *Cluster) SetRebalanceCallback(fn RebalanceFunc) error {
	if err := c.requireUnjoined(); err != nil {
		return err
	}
	c.mu.Lock()
	c.rebalancer = fn
	c.mu.Unlock()
	return nil
}

// SetForkPolicy controls which side of a fork re-joins.
func (c *Cluster) SetForkPolicy(p ForkPolicy) error {
	if err := c.requireUnjoined(); err != nil {
		return err
	}
	c.mu.Lock()
	c.forkPolicy = p
	c.mu.Unlock()
	return nil
}

// SetVerbose toggles extra debug logging. Valid at any time.
func (c *Cluster) SetVerbose(v bool) {
	c.mu.Lock()
	if v {
		c.flags |= flagVerbose
	} else {
		c.flags &^= flagVerbose
	}
	c.mu.Unlock()
}

// SetStaticIndex sets this member's base index for static mode.
func (c *Cluster) SetStaticIndex(index int) error {
	if index < 0 {
		return fmt.Errorf("%w: static index must be non-negative", ErrInvalid)
	}
	if err := c.requireUnjoined(); err != nil {
		return err
	}
	c.mu.Lock()
	c.staticIndex = index
	c.staticSet = true
	c.mu.Unlock()
	return nil
}

// SetStaticTotal sets the cluster-wide total for static mode.
func (c *Cluster) SetStaticTotal(total int) error {
	if total <= 0 {
		return fmt.Errorf("%w: static total must be positive", ErrInvalid)
	}
	if err := c.requireUnjoined(); err != nil {
		return err
	}
	c.mu.Lock()
	c.staticTotal = total
	c.mu.Unlock()
	return nil
}

// Key returns the cluster name. Non-locking: callers must not race it
// against a concurrent config change.
func (c *Cluster) Key() string { return c.key }

// Environment returns the configured environment, non-locking.
func (c *Cluster) Environment() string { return c.environment }

// InstanceID returns this member's instance id, non-locking. Empty until
// after the first Join if one was never pinned with SetInstanceID.
func (c *Cluster) InstanceID() string { return c.instanceID }

// Partition returns the configured partition, non-locking.
func (c *Cluster) Partition() string { return c.partition }

// State returns the cluster's current (index, workers, total, passive).
func (c *Cluster) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateLocked()
}

func (c *Cluster) stateLocked() State {
	workers := c.workers
	if c.mode == ModePassive || c.baseIndex < 0 {
		workers = 0
	}
	return State{
		Index:   c.baseIndex,
		Workers: workers,
		Total:   c.totalWorker,
		Passive: c.mode == ModePassive,
	}
}

func (c *Cluster) isStatic() bool {
	return c.registryEndpoint == ""
}

// context used internally for registry calls issued by the background
// loops; they are not tied to a caller-supplied context because they
// outlive any single public method call.
func backgroundContext() context.Context {
	return context.Background()
}
