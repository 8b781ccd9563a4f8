package cache

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/checkin-reconciler/internal/clock"
	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// MemoryStore keeps entries in process memory.  It is used in tests and
// by tools that run without a shared backend.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]model.CacheEntry
}

// NewMemoryStore returns an empty store using clk for expiry decisions.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MemoryStore{clock: clk, entries: make(map[string]model.CacheEntry)}
}

// SetClock swaps the time source.  Tests use it to move time forward.
func (m *MemoryStore) SetClock(clk clock.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clk
}

func (m *MemoryStore) live(key string) (model.CacheEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return model.CacheEntry{}, false
	}
	if !m.clock.Now().Before(e.ExpiresAt) {
		delete(m.entries, key)
		return model.CacheEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.Payload))
	copy(out, e.Payload)
	return out, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, payload []byte, ttl time.Duration, opts ...SetOption) error {
	o := applyOptions(opts)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.entries[key] = model.CacheEntry{
		Key:       key,
		Payload:   buf,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
		EventID:   o.eventID,
	}
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) InvalidateEvent(_ context.Context, eventID uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if e.EventID != nil && *e.EventID == eventID {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Age(_ context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return 0, false, nil
	}
	return m.clock.Now().Sub(e.CachedAt), true, nil
}

func (m *MemoryStore) SweepExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.ExpiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
