package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is a bounded in-process TTL cache
type Memory struct {
	mu         sync.Mutex
	items      map[string]memoryItem
	ttl        time.Duration
	maxEntries int
	stats      Stats
	now        func() time.Time
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

// NewMemory creates a memory cache; ttl <= 0 keeps entries until evicted
// and maxEntries <= 0 means unbounded
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	return &Memory{
		items:      make(map[string]memoryItem),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a live entry
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if ok && !item.expires.IsZero() && m.now().After(item.expires) {
		delete(m.items, key)
		ok = false
	}
	if !ok {
		m.stats.Misses++
		return nil, false
	}
	m.stats.Hits++
	return item.value, true
}

// Set stores a copy of value. When full, expired entries are purged first
// and then an arbitrary entry is evicted.
func (m *Memory) Set(_ context.Context, key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[key]; !exists && m.maxEntries > 0 && len(m.items) >= m.maxEntries {
		m.purgeExpired()
		for k := range m.items {
			if len(m.items) < m.maxEntries {
				break
			}
			delete(m.items, k)
			m.stats.Evictions++
		}
	}

	item := memoryItem{value: append([]byte(nil), value...)}
	if m.ttl > 0 {
		item.expires = m.now().Add(m.ttl)
	}
	m.items[key] = item
	m.stats.Sets++
}

func (m *Memory) purgeExpired() {
	now := m.now()
	for k, item := range m.items {
		if !item.expires.IsZero() && now.After(item.expires) {
			delete(m.items, k)
			m.stats.Evictions++
		}
	}
}

// Len returns the number of stored entries, expired ones included
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Stats returns a snapshot of cache counters
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Backend = BackendMemory
	s.Items = len(m.items)
	s.HitRate = hitRate(s.Hits, s.Misses)
	return s
}
