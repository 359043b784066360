package kvtest

import (
	"testing"
	"time"
)

func TestPutAndSnapshot(t *testing.T) {
	s := NewStore()
	if _, ok := s.Put("k/production", "a", 2, time.Minute, false); !ok {
		t.Fatal("expected initial put to succeed")
	}
	if _, ok := s.Put("k/production", "b", 3, time.Minute, false); !ok {
		t.Fatal("expected initial put to succeed")
	}

	entries := s.Snapshot("k/production")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].InstanceID != "a" || entries[1].InstanceID != "b" {
		t.Fatalf("expected ascending order, got %+v", entries)
	}
}

func TestPut_RequireExistingFailsWhenAbsent(t *testing.T) {
	s := NewStore()
	if _, ok := s.Put("k/production", "ghost", 1, time.Minute, true); ok {
		t.Fatal("expected requireExisting put to fail for an absent entry")
	}
}

func TestPut_RequireExistingSucceedsOnRefresh(t *testing.T) {
	s := NewStore()
	s.Put("k/production", "a", 1, time.Minute, false)
	if _, ok := s.Put("k/production", "a", 2, time.Minute, true); !ok {
		t.Fatal("expected requireExisting put to succeed refreshing an existing entry")
	}
	entries := s.Snapshot("k/production")
	if len(entries) != 1 || entries[0].Workers != 2 {
		t.Fatalf("expected refreshed workers=2, got %+v", entries)
	}
}

func TestSnapshot_ExcludesExpired(t *testing.T) {
	s := NewStore()
	s.Put("k/production", "stale", 1, -time.Second, false)
	entries := s.Snapshot("k/production")
	if len(entries) != 0 {
		t.Fatalf("expected expired entry excluded, got %+v", entries)
	}
}

func TestDelete(t *testing.T) {
	s := NewStore()
	s.Put("k/production", "a", 1, time.Minute, false)
	if !s.Delete("k/production", "a") {
		t.Fatal("expected delete of existing entry to report true")
	}
	if s.Delete("k/production", "a") {
		t.Fatal("expected delete of already-removed entry to report false")
	}
}

func TestWait_WakesOnChange(t *testing.T) {
	s := NewStore()
	done := make(chan bool, 1)
	go func() {
		done <- s.Wait("k/production", time.Now(), 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	s.Put("k/production", "a", 1, time.Minute, false)

	if changed := <-done; !changed {
		t.Fatal("expected Wait to observe the change")
	}
}

func TestWait_TimesOutWithNoChange(t *testing.T) {
	s := NewStore()
	if changed := s.Wait("k/production", time.Now(), 100*time.Millisecond); changed {
		t.Fatal("expected Wait to time out with no change")
	}
}

func TestJobRecords(t *testing.T) {
	s := NewStore()
	s.PutJob("k/production", "job1", []byte(`{"status":"wait"}`))

	body, ok := s.GetJob("k/production", "job1")
	if !ok {
		t.Fatal("expected job to be found")
	}
	if string(body) != `{"status":"wait"}` {
		t.Fatalf("got body %q", body)
	}

	if !s.DeleteJob("k/production", "job1") {
		t.Fatal("expected delete to report true for existing job")
	}
	if _, ok := s.GetJob("k/production", "job1"); ok {
		t.Fatal("expected job to be gone after delete")
	}
}
