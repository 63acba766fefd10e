package cache

import "sync"

// Provider is a local key-value cache. Implementations are safe for
// concurrent use.
type Provider[K comparable, V any] interface {
	// Get returns the value cached for key and whether it was present.
	Get(key K) (V, bool)
	Put(key K, value V)
	Remove(key K)
	Clear()
	// Keys returns the cached keys in no particular order.
	Keys() []K
	Len() int
}

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Map is an unbounded Provider backed by a Go map.
type Map[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewMap returns an empty Map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{items: make(map[K]V)}
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

func (m *Map[K, V]) Put(key K, value V) {
	m.mu.Lock()
	m.items[key] = value
	m.mu.Unlock()
}

func (m *Map[K, V]) Remove(key K) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

func (m *Map[K, V]) Clear() {
	m.mu.Lock()
	m.items = make(map[K]V)
	m.mu.Unlock()
}

func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]K, 0, len(m.items))
	for k := range m.items {
		out = append(out, k)
	}
	return out
}

func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
