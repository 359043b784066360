package sql

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/bbcarchdev/libcluster/job"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "registry.db")
	b, err := New(fmt.Sprintf("sqlite3://%s", dbPath), "testkey", "production", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.MaybeMigrateSchema(context.Background()); err != nil {
		t.Fatalf("MaybeMigrateSchema: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestMigrate_IsIdempotent(t *testing.T) {
	b := newTestBackend(t)
	if err := b.MaybeMigrateSchema(context.Background()); err != nil {
		t.Fatalf("second migration run: %v", err)
	}
}

func TestAnnounceAndSnapshot(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.Announce(ctx, "node-b", 3, time.Minute, false); err != nil {
		t.Fatalf("announce node-b: %v", err)
	}
	if err := b.Announce(ctx, "node-a", 2, time.Minute, false); err != nil {
		t.Fatalf("announce node-a: %v", err)
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
	b := newTestBackend(t)
	if err := b.Announce(context.Background(), "ghost", 1, time.Minute, true); err == nil {
		t.Fatal("expected error requiring existing entry that was never announced")
	}
}

func TestSnapshot_ExcludesExpired(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	if err := b.Announce(ctx, "stale", 1, -time.Second, false); err != nil {
		t.Fatalf("announce: %v", err)
	}
	entries, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected expired entry to be excluded, got %+v", entries)
	}
}

func TestRetract(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
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

func TestJobStore_RoundTrip(t *testing.T) {
	b := newTestBackend(t)
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
