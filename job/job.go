// Package job implements an optional job-tracking sidecar: create/log/
// status calls that record progress into the same registry the
// membership engine uses, but which the balance algorithm never reads.
// It is an external collaborator of the core engine: it defines its own
// Store interface, which the registry backends implement, and imports
// neither libcluster nor its registry packages.
package job

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// newToken derives a fresh 32-char hex token the same way libcluster
// generates instance ids: a 128-bit random identifier with dashes
// stripped.
func newToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Status is a job's lifecycle state: WAIT -> ACTIVE -> {COMPLETE, FAIL}.
type Status string

const (
	StatusWait     Status = "wait"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFail     Status = "fail"
)

// Store is the minimal registry capability job needs: a side table for
// job records, keyed the same way cluster_node is (id, key, env).
// registry/sql.Backend and registry/kv.Backend each implement it by
// routing through their own cluster_job table / job/<id> sub-path.
type Store interface {
	PutJob(ctx context.Context, j Record) error
	GetJob(ctx context.Context, key, env, id string) (Record, error)
	DeleteJob(ctx context.Context, key, env, id string) error
}

// Record is one job's persisted state.
type Record struct {
	ID       string
	Key      string
	Env      string
	Parent   string
	Name     string
	Tag      string
	Status   Status
	Progress int
	Total    int
	Updated  time.Time
}

// Job is a handle onto one tracked unit of work.
type Job struct {
	mu        sync.RWMutex
	store     Store
	cluster   string // the owning cluster's key, for the parent-equality check
	env       string
	rec       Record
	logger    func(priority int, msg string)
	persisted bool
}

// New creates a job scoped to the given cluster key/environment. id may
// be empty, in which case a fresh 32-char hex token is generated exactly
// as libcluster generates instance ids.
func New(store Store, clusterKey, env, id string) (*Job, error) {
	if id == "" {
		id = newToken()
	} else if err := validateID(id); err != nil {
		return nil, err
	}
	return &Job{
		store:   store,
		cluster: clusterKey,
		env:     env,
		rec: Record{
			ID:     id,
			Key:    clusterKey,
			Env:    env,
			Status: StatusWait,
		},
	}, nil
}

func validateID(id string) error {
	if len(id) < 2 || len(id) > 32 {
		return fmt.Errorf("job: id must be 2-32 characters")
	}
	for _, r := range id {
		alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !alnum {
			return fmt.Errorf("job: id must be alphanumeric")
		}
	}
	return nil
}

// ID returns the job's identifier.
func (j *Job) ID() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.rec.ID
}

// SetID changes the job's identifier. Only valid before the job has
// been persisted with Create/Start/Complete/Fail — once a record
// exists under the old id, renaming it would orphan that row.
func (j *Job) SetID(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.persisted {
		return fmt.Errorf("job: cannot set id after the job has been persisted")
	}
	j.rec.ID = id
	return nil
}

// SetLogger sets the formatted-log sink used by Log.
func (j *Job) SetLogger(fn func(priority int, msg string)) {
	j.mu.Lock()
	j.logger = fn
	j.mu.Unlock()
}

// SetParent attaches this job to a parent job in the same cluster,
// rejecting a parent that belongs to a different cluster.
func (j *Job) SetParent(parent *Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	parent.mu.RLock()
	parentCluster := parent.cluster
	parentID := parent.rec.ID
	parent.mu.RUnlock()
	if parentCluster != j.cluster {
		return fmt.Errorf("job: parent belongs to a different cluster")
	}
	j.rec.Parent = parentID
	return nil
}

// SetName sets the job's human-readable name.
func (j *Job) SetName(name string) {
	j.mu.Lock()
	j.rec.Name = name
	j.mu.Unlock()
}

// SetTag sets the tag used in Log's "[tag:progress+1/total]" prefix.
func (j *Job) SetTag(tag string) {
	j.mu.Lock()
	j.rec.Tag = tag
	j.mu.Unlock()
}

// SetTotal sets the denominator used when logging progress.
func (j *Job) SetTotal(total int) {
	j.mu.Lock()
	j.rec.Total = total
	j.mu.Unlock()
}

// SetProgress sets the current progress count.
func (j *Job) SetProgress(progress int) {
	j.mu.Lock()
	j.rec.Progress = progress
	j.mu.Unlock()
}

// Create persists the job's initial WAIT record.
func (j *Job) Create(ctx context.Context) error {
	return j.persist(ctx)
}

// Destroy removes the job's record. Unlike a cluster member's registry
// entry, there is no TTL to fall back on — Destroy is the only way a
// job record goes away once its status reaches COMPLETE or FAIL.
func (j *Job) Destroy(ctx context.Context) error {
	j.mu.RLock()
	id, key, env := j.rec.ID, j.rec.Key, j.rec.Env
	j.mu.RUnlock()
	return j.store.DeleteJob(ctx, key, env, id)
}

// Start transitions WAIT -> ACTIVE.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	j.rec.Status = StatusActive
	j.mu.Unlock()
	return j.persist(ctx)
}

// Complete transitions to COMPLETE.
func (j *Job) Complete(ctx context.Context) error {
	j.mu.Lock()
	j.rec.Status = StatusComplete
	j.mu.Unlock()
	return j.persist(ctx)
}

// Fail transitions to FAIL.
func (j *Job) Fail(ctx context.Context) error {
	j.mu.Lock()
	j.rec.Status = StatusFail
	j.mu.Unlock()
	return j.persist(ctx)
}

// Log formats "[tag:progress+1/total] message" and forwards it to the
// configured logger at LogInfo (6).
func (j *Job) Log(format string, args ...interface{}) {
	j.mu.RLock()
	tag, progress, total, logger := j.rec.Tag, j.rec.Progress, j.rec.Total, j.logger
	j.mu.RUnlock()
	if logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	const logInfo = 6
	logger(logInfo, fmt.Sprintf("[%s:%d/%d] %s", tag, progress+1, total, msg))
}

func (j *Job) persist(ctx context.Context) error {
	j.mu.Lock()
	j.rec.Updated = time.Now().UTC()
	rec := j.rec
	j.mu.Unlock()
	if err := j.store.PutJob(ctx, rec); err != nil {
		return err
	}
	j.mu.Lock()
	j.persisted = true
	j.mu.Unlock()
	return nil
}
