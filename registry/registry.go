// Package registry defines the capability interface libcluster's engine
// consumes from a registry backend. Concrete backends live in the kv and
// sql subpackages; the engine never branches on which one is in play.
package registry

import (
	"context"
	"time"
)

// Entry is one registry row: a member's instance id and the worker count
// it announced. Snapshots are sorted ascending by InstanceID.
type Entry struct {
	InstanceID string
	Workers    int
}

// ChangeResult is the outcome of a Backend.AwaitChange call.
type ChangeResult int

const (
	ChangeDetected ChangeResult = iota
	ChangeTimeout
)

// Backend is the capability contract a registry implementation provides
// to the engine.
type Backend interface {
	// Announce idempotently asserts this member's presence. The initial
	// call must succeed whether or not the entry already existed;
	// implementations should accept an "existing" hint so callers can
	// request the stricter "must already exist" semantics a heartbeat
	// needs to detect expiry.
	Announce(ctx context.Context, instanceID string, workers int, ttl time.Duration, requireExisting bool) error

	// Retract is a best-effort removal; callers log failures, they are
	// never fatal.
	Retract(ctx context.Context, instanceID string) error

	// Snapshot returns unexpired entries matching this backend's scope,
	// sorted ascending by InstanceID.
	Snapshot(ctx context.Context) ([]Entry, error)

	// AwaitChange blocks until the scope plausibly changed since the
	// given time, or the backend's own timeout/cap elapses.
	AwaitChange(ctx context.Context, since time.Time) (ChangeResult, error)

	// MaybeMigrateSchema performs any pending schema migration. A no-op
	// for backends with no schema (e.g. KV).
	MaybeMigrateSchema(ctx context.Context) error

	Close() error
}
