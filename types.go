package libcluster

import "time"

// ChangeResult mirrors registry.ChangeResult, the outcome of
// registry.Backend.AwaitChange; the engine itself uses the registry type.
type ChangeResult int

const (
	ChangeDetected ChangeResult = iota
	ChangeTimeout
)

// Mode distinguishes active members (contribute workers, heartbeat) from
// passive observers (see workers/total only).
type Mode int

const (
	ModeActive Mode = iota
	ModePassive
)

// ForkPolicy controls which side of a fork re-joins the cluster after a
// process forks while still a member.
type ForkPolicy int

const (
	ForkChildOnly ForkPolicy = iota
	ForkParentOnly
	ForkBoth
)

// flag bits for Cluster's membership flags.
type flag uint32

const (
	flagJoined flag = 1 << iota
	flagLeaving
	flagVerbose
)

// State is the immutable snapshot handed to the rebalance callback and
// returned by Cluster.State().
type State struct {
	Index   int
	Workers int
	Total   int
	Passive bool
}

// RebalanceFunc receives the cluster and its newly committed state. The
// handle is a borrowed reference valid only for the duration of the call
// — callers must not retain it.
type RebalanceFunc func(c *Cluster, s State)

const (
	defaultEnvironment    = "production"
	defaultTTL            = 120 * time.Second
	defaultRefresh        = 30 * time.Second
	defaultWorkers        = 1
	kvAwaitErrorBackoff   = 30 * time.Second
	sqlPollInterval       = 5 * time.Second
	sqlForcedBalanceCap   = 30 * time.Second
	heartbeatRetryBackoff = 5 * time.Second
	heartbeatTickInterval = 1 * time.Second
)
