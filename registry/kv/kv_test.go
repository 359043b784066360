package kv

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bbcarchdev/libcluster/internal/kvtest"
	"github.com/bbcarchdev/libcluster/job"
	"github.com/bbcarchdev/libcluster/registry"
)

func newTestBackend(t *testing.T) (*Backend, func()) {
	t.Helper()
	srv := httptest.NewServer(kvtest.NewServer())
	b, err := New(srv.URL, "testkey", "production", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, srv.Close
}

func TestAnnounceAndSnapshot(t *testing.T) {
	b, closeSrv := newTestBackend(t)
	defer closeSrv()
	ctx := context.Background()

	if err := b.Announce(ctx, "node-a", 2, time.Minute, false); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := b.Announce(ctx, "node-b", 3, time.Minute, false); err != nil {
		t.Fatalf("announce: %v", err)
	}

	entries, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].InstanceID != "node-a" || entries[1].InstanceID != "node-b" {
		t.Fatalf("expected ascending instance id order, got %+v", entries)
	}
}

func TestAnnounce_RequireExistingFailsWhenAbsent(t *testing.T) {
	b, closeSrv := newTestBackend(t)
	defer closeSrv()
	ctx := context.Background()

	if err := b.Announce(ctx, "ghost", 1, time.Minute, true); err == nil {
		t.Fatal("expected error requiring existing entry that was never announced")
	}
}

func TestRetract_IsBestEffort(t *testing.T) {
	b, closeSrv := newTestBackend(t)
	defer closeSrv()
	ctx := context.Background()

	if err := b.Retract(ctx, "never-announced"); err != nil {
		t.Fatalf("retract of missing entry should not error, got: %v", err)
	}

	if err := b.Announce(ctx, "node-a", 1, time.Minute, false); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := b.Retract(ctx, "node-a"); err != nil {
		t.Fatalf("retract: %v", err)
	}
	entries, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty snapshot after retract, got %+v", entries)
	}
}

func TestAwaitChange_DetectsAnnounce(t *testing.T) {
	b, closeSrv := newTestBackend(t)
	defer closeSrv()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(100 * time.Millisecond)
		b.Announce(context.Background(), "node-a", 1, time.Minute, false)
	}()

	result, err := b.AwaitChange(ctx, time.Time{})
	if err != nil {
		t.Fatalf("await_change: %v", err)
	}
	if result != registry.ChangeDetected {
		t.Fatalf("expected a detected change, got %v", result)
	}
}

func TestJobStore_RoundTrip(t *testing.T) {
	b, closeSrv := newTestBackend(t)
	defer closeSrv()
	ctx := context.Background()

	rec := job.Record{
		ID:     "job1",
		Key:    "testkey",
		Env:    "production",
		Name:   "reindex",
		Status: job.StatusActive,
		Total:  10,
	}
	if err := b.PutJob(ctx, rec); err != nil {
		t.Fatalf("put job: %v", err)
	}

	got, err := b.GetJob(ctx, "testkey", "production", "job1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Name != "reindex" || got.Status != job.StatusActive || got.Total != 10 {
		t.Fatalf("got job %+v, want name=reindex status=active total=10", got)
	}

	if err := b.DeleteJob(ctx, "testkey", "production", "job1"); err != nil {
		t.Fatalf("delete job: %v", err)
	}
	if _, err := b.GetJob(ctx, "testkey", "production", "job1"); err == nil {
		t.Fatal("expected error reading a deleted job")
	}
}
