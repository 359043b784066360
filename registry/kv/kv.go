// Package kv implements the hierarchical-KV registry backend: a nested
// directory key/[partition/]environment/ holding instance_id -> workers
// entries with native TTL, and a recursive long-poll for change
// detection.
//
// This talks to a generic long-poll-capable HTTP KV service over plain
// net/http — the wire contract is custom to this package, not a specific
// vendor API (etcd/Consul each have their own client and their own
// semantics), so there is no ecosystem client library to ground this
// on; see DESIGN.md for the stdlib justification.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/bbcarchdev/libcluster/registry"
)

// longPollTimeout bounds a single await_change HTTP call; when it
// elapses with no change AwaitChange returns ChangeTimeout (no error).
const longPollTimeout = 65 * time.Second

// Backend is the KV registry adapter.
type Backend struct {
	base      string
	key       string
	partition string
	env       string
	client    *http.Client
}

// New dials the KV backend at endpoint (an http(s):// URI) scoped to
// key/partition/environment.
func New(endpoint, key, env, partition string) (*Backend, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("kv: parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("kv: unsupported scheme %q", u.Scheme)
	}
	return &Backend{
		base:      strings.TrimRight(endpoint, "/"),
		key:       key,
		env:       env,
		partition: partition,
		client:    &http.Client{Timeout: longPollTimeout + 5*time.Second},
	}, nil
}

// dirPath returns /<key>/[<partition>/]<environment>/, this backend's
// namespace path.
func (b *Backend) dirPath() string {
	if b.partition != "" {
		return path.Join("/", b.key, b.partition, b.env) + "/"
	}
	return path.Join("/", b.key, b.env) + "/"
}

func (b *Backend) entryPath(instanceID string) string {
	return path.Join(b.dirPath(), instanceID)
}

func (b *Backend) url(p string, query url.Values) string {
	u := b.base + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// Announce writes instance_id -> workers with the given TTL. The
// initial announce (requireExisting=false) must succeed whether or not
// the entry existed; a heartbeat refresh (requireExisting=true) asks the
// backend to fail if the entry is gone, so an expired entry surfaces as
// an error the heartbeat loop can retry against.
func (b *Backend) Announce(ctx context.Context, instanceID string, workers int, ttl time.Duration, requireExisting bool) error {
	q := url.Values{}
	q.Set("ttl", strconv.Itoa(int(ttl.Seconds())))
	if requireExisting {
		q.Set("prevExist", "true")
	}
	body := strings.NewReader(strconv.Itoa(workers))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.url(b.entryPath(instanceID), q), body)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("kv: announce: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusPreconditionFailed {
		return fmt.Errorf("kv: announce: entry %s does not exist", instanceID)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("kv: announce: unexpected status %s", resp.Status)
	}
	return nil
}

// Retract deletes the instance's entry. Best-effort: a 404 is not an
// error, the entry is already gone.
func (b *Backend) Retract(ctx context.Context, instanceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.url(b.entryPath(instanceID), nil), nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("kv: retract: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("kv: retract: unexpected status %s", resp.Status)
	}
	return nil
}

type wireEntry struct {
	InstanceID string `json:"instance_id"`
	Workers    int    `json:"workers"`
}

// Snapshot enumerates the directory, already filtered to unexpired
// entries and sorted ascending by instance id by the backend.
func (b *Backend) Snapshot(ctx context.Context) ([]registry.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url(b.dirPath(), nil), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kv: snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("kv: snapshot: unexpected status %s", resp.Status)
	}
	var wire []wireEntry
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("kv: snapshot: decode: %w", err)
	}
	entries := make([]registry.Entry, len(wire))
	for i, w := range wire {
		entries[i] = registry.Entry{InstanceID: w.InstanceID, Workers: w.Workers}
	}
	return entries, nil
}

// AwaitChange issues a long-poll recursive wait on the environment
// directory, returning as soon as any child changes or the long-poll
// timeout elapses (in which case it returns ChangeTimeout with a nil
// error — an expired long-poll is not a failure).
func (b *Backend) AwaitChange(ctx context.Context, since time.Time) (registry.ChangeResult, error) {
	q := url.Values{}
	q.Set("wait", "true")
	q.Set("timeoutSeconds", strconv.Itoa(int(longPollTimeout.Seconds())))
	if !since.IsZero() {
		q.Set("after", strconv.FormatInt(since.UTC().Unix(), 10))
	}

	pollCtx, cancel := context.WithTimeout(ctx, longPollTimeout+5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, b.url(b.dirPath(), q), nil)
	if err != nil {
		return registry.ChangeTimeout, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return registry.ChangeTimeout, fmt.Errorf("kv: await_change: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return registry.ChangeDetected, nil
	case http.StatusNoContent, http.StatusRequestTimeout:
		return registry.ChangeTimeout, nil
	default:
		return registry.ChangeTimeout, fmt.Errorf("kv: await_change: unexpected status %s", resp.Status)
	}
}

// MaybeMigrateSchema is a no-op: the KV backend has no schema.
func (b *Backend) MaybeMigrateSchema(ctx context.Context) error { return nil }

// Close releases the backend's HTTP transport idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
