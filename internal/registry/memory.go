package registry

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	a       Announcement
	expires time.Time // zero = never
}

// MemoryStore keeps announcements in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore keeps entries for ttl after each Announce or Refresh; ttl <= 0 never expires.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), ttl: ttl, now: time.Now}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) expiry() time.Time {
	if m.ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(m.ttl)
}

// live returns the entry for name, dropping it if expired. Callers hold mu.
func (m *MemoryStore) live(name string) *memoryEntry {
	e, ok := m.entries[name]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, name)
		return nil
	}
	return e
}

func (m *MemoryStore) Announce(_ context.Context, a Announcement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[a.Name] = &memoryEntry{a: a, expires: m.expiry()}
	return nil
}

func (m *MemoryStore) Refresh(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(name)
	if e == nil {
		return ErrNotFound
	}
	e.expires = m.expiry()
	return nil
}

func (m *MemoryStore) Withdraw(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.entries, name)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, name string) (Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(name)
	if e == nil {
		return Announcement{}, ErrNotFound
	}
	return e.a, nil
}

func (m *MemoryStore) Close() error { return nil }
