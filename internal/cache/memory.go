package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is the process-local tier: a map guarded by a RWMutex with absolute
// expiry per entry. There is no eviction beyond TTL at this layer; the
// network backend enforces its own cap.
type Memory struct {
	mu    sync.RWMutex
	store map[string]memoryEntry
	now   func() time.Time
}

// NewMemory returns an empty in-process cache tier.
func NewMemory() *Memory {
	return &Memory{
		store: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

func (m *Memory) Get(_ context.Context, namespace string, parts ...any) ([]byte, bool) {
	key := KeyFor(namespace, parts...)

	m.mu.RLock()
	entry, ok := m.store[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if m.now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.store, key)
		m.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

func (m *Memory) Put(_ context.Context, namespace string, value []byte, ttl time.Duration, parts ...any) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := KeyFor(namespace, parts...)

	m.mu.Lock()
	m.store[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
}
