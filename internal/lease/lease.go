// Package lease provides per-run single-writer exclusion. A worker acquires
// the run's lease before executing a phase and releases it after persistence
// completes; a second delivery for the same run id is rejected so the job
// queue's retry policy can redeliver it later instead of interleaving writes.
package lease

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrHeld is returned when the lease for a key is already held.
var ErrHeld = errors.New("lease already held")

// Lease is a time-bounded exclusive claim on one key.
type Lease struct {
	Key      string
	Owner    string
	Acquired time.Time
	Expires  time.Time
}

// Manager hands out keyed leases with a TTL. Expired leases are treated as
// free: a crashed holder never blocks a run forever, it just widens the
// at-least-once window the queue already tolerates.
type Manager struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	held  map[string]*Lease
}

// NewManager creates a Manager with the given TTL. A TTL of zero disables
// expiry (leases are held until released).
func NewManager(ttl time.Duration) *Manager {
	return &Manager{ttl: ttl, now: time.Now, held: make(map[string]*Lease)}
}

// SetClock overrides the time source (for testing).
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Acquire claims the lease for key on behalf of owner. Returns ErrHeld with
// holder context when another owner holds an unexpired lease.
func (m *Manager) Acquire(key, owner string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.held[key]; ok {
		if m.ttl == 0 || now.Before(cur.Expires) {
			return nil, fmt.Errorf("lease %q held by %s since %s: %w",
				key, cur.Owner, cur.Acquired.Format(time.RFC3339), ErrHeld)
		}
		delete(m.held, key)
	}

	l := &Lease{Key: key, Owner: owner, Acquired: now}
	if m.ttl > 0 {
		l.Expires = now.Add(m.ttl)
	}
	m.held[key] = l
	return l, nil
}

// Release frees the lease if it is still owned by the given lease. Releasing
// an expired or superseded lease is a no-op.
func (m *Manager) Release(l *Lease) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.held[l.Key]; ok && cur == l {
		delete(m.held, l.Key)
	}
}

// Holder returns the current unexpired holder of key, or nil.
func (m *Manager) Holder(key string) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[key]
	if !ok {
		return nil
	}
	if m.ttl > 0 && !m.now().Before(cur.Expires) {
		delete(m.held, key)
		return nil
	}
	cp := *cur
	return &cp
}
