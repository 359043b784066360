package libcluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bbcarchdev/libcluster/registry"
)

// mockBackend is an in-memory registry.Backend for exercising the engine
// without a real KV or SQL service, installed via Cluster.newBackend.
type mockBackend struct {
	mu       sync.Mutex
	entries  map[string]registry.Entry
	changed  chan struct{}
	closed   bool
	failNext bool
}

func newMockBackend() *mockBackend {
	return &mockBackend{entries: make(map[string]registry.Entry), changed: make(chan struct{}, 1)}
}

func (m *mockBackend) Announce(ctx context.Context, instanceID string, workers int, ttl time.Duration, requireExisting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errTestBackend
	}
	_, existed := m.entries[instanceID]
	if requireExisting && !existed {
		return errTestBackend
	}
	m.entries[instanceID] = registry.Entry{InstanceID: instanceID, Workers: workers}
	m.notify()
	return nil
}

func (m *mockBackend) Retract(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, instanceID)
	m.notify()
	return nil
}

func (m *mockBackend) Snapshot(ctx context.Context) ([]registry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]registry.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (m *mockBackend) AwaitChange(ctx context.Context, since time.Time) (registry.ChangeResult, error) {
	select {
	case <-m.changed:
		return registry.ChangeDetected, nil
	case <-time.After(50 * time.Millisecond):
		// Like the real backends' long-poll/poll cap, time out with no change.
		return registry.ChangeTimeout, nil
	case <-ctx.Done():
		return registry.ChangeTimeout, ctx.Err()
	}
}

func (m *mockBackend) MaybeMigrateSchema(ctx context.Context) error { return nil }

func (m *mockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockBackend) notify() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func sortEntries(entries []registry.Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].InstanceID < entries[j-1].InstanceID; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errTestBackend = testErr("mock backend error")

func newTestCluster(t *testing.T, backend *mockBackend) *Cluster {
	t.Helper()
	c, err := New("testkey")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.SetRegistry("http://example.invalid"); err != nil {
		t.Fatalf("SetRegistry: %v", err)
	}
	c.newBackend = func() (registry.Backend, error) { return backend, nil }
	return c
}

func TestBalance_AssignsContiguousRanges(t *testing.T) {
	snapshot := []registry.Entry{
		{InstanceID: "a", Workers: 2},
		{InstanceID: "b", Workers: 3},
		{InstanceID: "c", Workers: 1},
	}
	base, total := balance(snapshot, "b", false)
	if base != 2 || total != 6 {
		t.Fatalf("balance(b) = (%d, %d), want (2, 6)", base, total)
	}
	base, total = balance(snapshot, "c", false)
	if base != 5 || total != 6 {
		t.Fatalf("balance(c) = (%d, %d), want (5, 6)", base, total)
	}
}

func TestBalance_AbsentMemberGetsNegativeBase(t *testing.T) {
	snapshot := []registry.Entry{{InstanceID: "a", Workers: 2}}
	base, total := balance(snapshot, "ghost", false)
	if base != -1 || total != 2 {
		t.Fatalf("balance(ghost) = (%d, %d), want (-1, 2)", base, total)
	}
}

func TestBalance_PassiveNeverClaimsBase(t *testing.T) {
	snapshot := []registry.Entry{{InstanceID: "a", Workers: 2}}
	base, total := balance(snapshot, "a", true)
	if base != -1 || total != 2 {
		t.Fatalf("balance(a, passive) = (%d, %d), want (-1, 2)", base, total)
	}
}

func TestBalance_DuplicateInstanceIDFirstOccurrenceWins(t *testing.T) {
	snapshot := []registry.Entry{
		{InstanceID: "dup", Workers: 1},
		{InstanceID: "dup", Workers: 5},
	}
	base, total := balance(snapshot, "dup", false)
	if base != 0 || total != 6 {
		t.Fatalf("balance(dup) = (%d, %d), want (0, 6)", base, total)
	}
}

func TestNew_RejectsInvalidKey(t *testing.T) {
	if _, err := New("has a space"); err == nil {
		t.Fatal("expected error for invalid key")
	}
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestJoinLeave_RegistryMode(t *testing.T) {
	backend := newMockBackend()
	c := newTestCluster(t, backend)
	if err := c.SetWorkers(2); err != nil {
		t.Fatalf("SetWorkers: %v", err)
	}

	var got State
	var calls int
	c.SetRebalanceCallback(func(cl *Cluster, s State) {
		calls++
		got = s
	})

	if err := c.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Leave()

	if calls == 0 {
		t.Fatal("expected rebalance callback to fire on join")
	}
	if got.Index != 0 || got.Total != 2 || got.Workers != 2 {
		t.Fatalf("got state %+v, want index=0 workers=2 total=2", got)
	}

	// Reconfiguring while joined must be rejected.
	if err := c.SetWorkers(5); err == nil {
		t.Fatal("expected error reconfiguring while joined")
	}

	if err := c.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if c.State().Index != -1 {
		t.Fatalf("expected index -1 after leave, got %d", c.State().Index)
	}
}

func TestJoinPassive_NeverAnnounces(t *testing.T) {
	backend := newMockBackend()
	backend.entries["peer"] = registry.Entry{InstanceID: "peer", Workers: 3}
	c := newTestCluster(t, backend)

	if err := c.JoinPassive(); err != nil {
		t.Fatalf("JoinPassive: %v", err)
	}
	defer c.Leave()

	s := c.State()
	if !s.Passive {
		t.Fatal("expected passive state")
	}
	if s.Workers != 0 {
		t.Fatalf("expected zero workers for passive member, got %d", s.Workers)
	}
	if s.Total != 3 {
		t.Fatalf("expected total 3 from the one active peer, got %d", s.Total)
	}
	if _, ok := backend.entries[c.InstanceID()]; ok {
		t.Fatal("passive member must not announce an entry")
	}
}

func TestJoin_Idempotent(t *testing.T) {
	backend := newMockBackend()
	c := newTestCluster(t, backend)
	if err := c.Join(); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	defer c.Leave()
	if err := c.Join(); err != nil {
		t.Fatalf("second Join should be a no-op, got error: %v", err)
	}
}

func TestStaticMode_RequiresIndexAndTotal(t *testing.T) {
	c, err := New("statickey")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Join(); err == nil {
		t.Fatal("expected error joining static mode without SetStaticIndex/SetStaticTotal")
	}

	if err := c.SetStaticIndex(2); err != nil {
		t.Fatalf("SetStaticIndex: %v", err)
	}
	if err := c.SetStaticTotal(5); err != nil {
		t.Fatalf("SetStaticTotal: %v", err)
	}
	if err := c.SetWorkers(1); err != nil {
		t.Fatalf("SetWorkers: %v", err)
	}
	if err := c.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer c.Leave()

	s := c.State()
	if s.Index != 2 || s.Total != 5 {
		t.Fatalf("got state %+v, want index=2 total=5", s)
	}
}

func TestStaticMode_RejectsOverflow(t *testing.T) {
	c, err := New("overflow")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.SetStaticIndex(4)
	c.SetStaticTotal(5)
	c.SetWorkers(3)
	if err := c.Join(); err == nil {
		t.Fatal("expected error: static_index + workers exceeds static_total")
	}
}

func TestSetInstanceID_ValidatesCharset(t *testing.T) {
	c, err := New("idtest")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.SetInstanceID("bad id!"); err == nil {
		t.Fatal("expected error for non-alphanumeric instance id")
	}
	if err := c.SetInstanceID("valid-looking-id"); err == nil {
		t.Fatal("expected error: hyphens are not allowed in instance ids")
	}
	if err := c.SetInstanceID("abc123"); err != nil {
		t.Fatalf("SetInstanceID with valid id: %v", err)
	}
	if c.InstanceID() != "abc123" {
		t.Fatalf("InstanceID() = %q, want abc123", c.InstanceID())
	}
}
