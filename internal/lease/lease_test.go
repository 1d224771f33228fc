package lease

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	m := NewManager(time.Minute)

	l, err := m.Acquire("run-1", "worker-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := m.Acquire("run-1", "worker-b"); !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire err = %v, want ErrHeld", err)
	}

	// A different key is independent.
	if _, err := m.Acquire("run-2", "worker-b"); err != nil {
		t.Fatalf("Acquire run-2: %v", err)
	}

	m.Release(l)
	if _, err := m.Acquire("run-1", "worker-b"); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestExpiredLeaseIsFree(t *testing.T) {
	m := NewManager(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	if _, err := m.Acquire("run-1", "worker-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	now = base.Add(30 * time.Second)
	if _, err := m.Acquire("run-1", "worker-b"); !errors.Is(err, ErrHeld) {
		t.Fatalf("err = %v, want ErrHeld before expiry", err)
	}

	now = base.Add(2 * time.Minute)
	if _, err := m.Acquire("run-1", "worker-b"); err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
}

func TestReleaseSupersededLeaseIsNoop(t *testing.T) {
	m := NewManager(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	stale, _ := m.Acquire("run-1", "worker-a")
	now = base.Add(2 * time.Minute)
	fresh, err := m.Acquire("run-1", "worker-b")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// The expired holder releasing must not free worker-b's lease.
	m.Release(stale)
	if h := m.Holder("run-1"); h == nil || h.Owner != "worker-b" {
		t.Fatalf("Holder = %+v, want worker-b", h)
	}
	m.Release(fresh)
	if h := m.Holder("run-1"); h != nil {
		t.Fatalf("Holder = %+v after release, want nil", h)
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	m := NewManager(0)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	if _, err := m.Acquire("run-1", "worker-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	now = base.Add(24 * time.Hour)
	if _, err := m.Acquire("run-1", "worker-b"); !errors.Is(err, ErrHeld) {
		t.Fatalf("err = %v, want ErrHeld with zero TTL", err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m := NewManager(time.Minute)

	const n = 50
	var wg sync.WaitGroup
	wins := make(chan *Lease, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l, err := m.Acquire("run-1", "worker"); err == nil {
				wins <- l
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("%d goroutines acquired the lease, want exactly 1", count)
	}
}
