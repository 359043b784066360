package libcluster

import "testing"

func TestForkChildOnly_ChildRejoinsSameIdentity(t *testing.T) {
	backend := newMockBackend()
	c := newTestCluster(t, backend)
	if err := c.SetForkPolicy(ForkChildOnly); err != nil {
		t.Fatalf("SetForkPolicy: %v", err)
	}
	if err := c.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	originalID := c.InstanceID()

	c.Prepare()
	if !c.isJoined() {
		t.Fatal("expected Prepare to quiesce loops without clearing JOINED")
	}

	if err := c.ChildAfterFork(); err != nil {
		t.Fatalf("ChildAfterFork: %v", err)
	}
	defer c.Leave()

	if !c.isJoined() {
		t.Fatal("expected child to rejoin under ForkChildOnly")
	}
	if c.InstanceID() != originalID {
		t.Fatal("expected child to keep its instance id under ForkChildOnly")
	}
}

func TestForkParentOnly_ChildDoesNotRejoin(t *testing.T) {
	backend := newMockBackend()
	c := newTestCluster(t, backend)
	if err := c.SetForkPolicy(ForkParentOnly); err != nil {
		t.Fatalf("SetForkPolicy: %v", err)
	}
	if err := c.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}

	c.Prepare()
	if err := c.ChildAfterFork(); err != nil {
		t.Fatalf("ChildAfterFork: %v", err)
	}
	if c.isJoined() {
		t.Fatal("expected child to not rejoin under ForkParentOnly")
	}
}

func TestForkParentOnly_ParentRejoinsSameIdentity(t *testing.T) {
	backend := newMockBackend()
	c := newTestCluster(t, backend)
	if err := c.SetForkPolicy(ForkParentOnly); err != nil {
		t.Fatalf("SetForkPolicy: %v", err)
	}
	if err := c.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	originalID := c.InstanceID()

	c.Prepare()
	if err := c.ParentAfterFork(); err != nil {
		t.Fatalf("ParentAfterFork: %v", err)
	}
	defer c.Leave()

	if !c.isJoined() {
		t.Fatal("expected parent to rejoin under ForkParentOnly")
	}
	if c.InstanceID() != originalID {
		t.Fatal("expected parent to keep its instance id across a fork")
	}
}
