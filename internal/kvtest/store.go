// Package kvtest is a reference implementation of the hierarchical-KV
// wire contract: a minimal gorilla/mux HTTP service that the
// registry/kv Backend can talk to in tests and local runs. It is
// scaffolding for exercising that client, not a coordination service
// anyone should run in production.
package kvtest

import (
	"sync"
	"time"
)

// entry is one instance_id -> workers mapping with its own expiry,
// mirroring the row registry/sql keeps per member.
type entry struct {
	Workers int
	Expires time.Time
}

// dir is one key/[partition/]environment/ namespace: its member
// entries plus the job records nested under job/.
type dir struct {
	members map[string]entry
	jobs    map[string][]byte // id -> raw JSON record, opaque to the store
	updated time.Time         // bumped on every member write/expiry sweep
}

// Store is the in-memory backing for the reference server: one dir per
// namespace path, guarded by a single lock since the expected load is a
// handful of local test processes, not production traffic.
type Store struct {
	mu   sync.Mutex
	dirs map[string]*dir
	wake map[string][]chan struct{} // namespace -> waiters blocked in AwaitChange
}

// NewStore creates an empty store and starts its expiry sweep.
func NewStore() *Store {
	s := &Store{
		dirs: make(map[string]*dir),
		wake: make(map[string][]chan struct{}),
	}
	go s.sweepExpired()
	return s
}

func (s *Store) dirFor(ns string) *dir {
	d, ok := s.dirs[ns]
	if !ok {
		d = &dir{members: make(map[string]entry), jobs: make(map[string][]byte)}
		s.dirs[ns] = d
	}
	return d
}

// Put writes instance_id -> workers with the given ttl. requireExisting
// asks Put to report the entry as missing rather than create it — the
// heartbeat-refresh half of the wire contract.
func (s *Store) Put(ns, instanceID string, workers int, ttl time.Duration, requireExisting bool) (existed bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dirFor(ns)
	_, existed = d.members[instanceID]
	if requireExisting && !existed {
		return false, false
	}
	d.members[instanceID] = entry{Workers: workers, Expires: time.Now().Add(ttl)}
	d.updated = time.Now()
	s.wakeLocked(ns)
	return existed, true
}

// Delete removes an instance's entry. Returns whether it existed.
func (s *Store) Delete(ns, instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dirFor(ns)
	_, existed := d.members[instanceID]
	if existed {
		delete(d.members, instanceID)
		d.updated = time.Now()
		s.wakeLocked(ns)
	}
	return existed
}

// MemberEntry is one unexpired snapshot row.
type MemberEntry struct {
	InstanceID string
	Workers    int
}

// Snapshot lists every unexpired member, sorted by instance id.
func (s *Store) Snapshot(ns string) []MemberEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dirFor(ns)
	now := time.Now()
	out := make([]MemberEntry, 0, len(d.members))
	for id, e := range d.members {
		if e.Expires.Before(now) {
			continue
		}
		out = append(out, MemberEntry{InstanceID: id, Workers: e.Workers})
	}
	sortMemberEntries(out)
	return out
}

func sortMemberEntries(entries []MemberEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].InstanceID < entries[j-1].InstanceID; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// LastUpdated returns the namespace's last member-write timestamp.
func (s *Store) LastUpdated(ns string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirFor(ns).updated
}

// Wait blocks until ns changes or the deadline passes, whichever comes
// first. Returns true if a change was observed.
func (s *Store) Wait(ns string, since time.Time, deadline time.Duration) bool {
	s.mu.Lock()
	d := s.dirFor(ns)
	if d.updated.After(since) {
		s.mu.Unlock()
		return true
	}
	ch := make(chan struct{}, 1)
	s.wake[ns] = append(s.wake[ns], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(deadline):
		return false
	}
}

// wakeLocked must be called with s.mu held; it fires every waiter
// blocked on ns and clears the waiter list.
func (s *Store) wakeLocked(ns string) {
	for _, ch := range s.wake[ns] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(s.wake, ns)
}

// PutJob stores a job record's raw JSON body under job/<id>.
func (s *Store) PutJob(ns, id string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirFor(ns).jobs[id] = body
}

// GetJob returns a job record's raw JSON body.
func (s *Store) GetJob(ns, id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.dirFor(ns).jobs[id]
	return body, ok
}

// DeleteJob removes a job record. Returns whether it existed.
func (s *Store) DeleteJob(ns, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dirFor(ns)
	_, existed := d.jobs[id]
	delete(d.jobs, id)
	return existed
}

// sweepExpired periodically drops expired member entries and wakes any
// long-poll waiters, so a crashed member's entry disappears from
// Snapshot even without a fresh write to trigger the sweep.
func (s *Store) sweepExpired() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for ns, d := range s.dirs {
			changed := false
			for id, e := range d.members {
				if e.Expires.Before(now) {
					delete(d.members, id)
					changed = true
				}
			}
			if changed {
				d.updated = now
				s.wakeLocked(ns)
			}
		}
		s.mu.Unlock()
	}
}
