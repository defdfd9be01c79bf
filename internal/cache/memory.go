// AngelaMos | 2026
// memory.go

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	key       string
	value     string
	expiresAt time.Time
}

// Memory is a bounded in-process cache. When the size ceiling is reached
// the oldest entry by insertion order is evicted first. Suitable for
// single-instance deployments; multi-instance deployments should use the
// redis implementation so revocations propagate across processes.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	maxSize int
}

func NewMemory(maxSize int) *Memory {
	return &Memory{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}

	entry := elem.Value.(*memoryEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.removeLocked(elem)
		return "", false, nil
	}

	return entry.value, true, nil
}

func (m *Memory) Set(
	ctx context.Context,
	key, value string,
	ttl time.Duration,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	for len(m.entries) >= m.maxSize {
		oldest := m.order.Front()
		if oldest == nil {
			break
		}
		m.removeLocked(oldest)
	}

	elem := m.order.PushBack(&memoryEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})
	m.entries[key] = elem

	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		m.removeLocked(elem)
	}

	return nil
}

func (m *Memory) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries), nil
}

// Sweep drops entries past their expiry. Called from the background
// sweeper, never from the request path.
func (m *Memory) Sweep(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0

	for elem := m.order.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*memoryEntry)
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			m.removeLocked(elem)
			removed++
		}
		elem = next
	}

	return removed
}

func (m *Memory) removeLocked(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	m.order.Remove(elem)
	delete(m.entries, entry.key)
}
