package cache

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto"
)

// DefaultRistrettoEntries bounds a Ristretto cache built without options.
const DefaultRistrettoEntries = 1 << 16

// Ristretto is a Provider backed by dgraph-io/ristretto, which admits and
// evicts entries with a TinyLFU policy. A Put may be rejected by the
// admission policy, in which case the key reads as absent.
type Ristretto[K comparable, V any] struct {
	c *ristretto.Cache

	mu   sync.Mutex
	keys map[string]K
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// WithRistrettoEntries sizes the cache for n entries.
func WithRistrettoEntries(n int64) RistrettoOption {
	return func(c *ristretto.Config) {
		if n > 0 {
			c.MaxCost = n
			c.NumCounters = 10 * n
		}
	}
}

// NewRistretto returns an empty Ristretto cache. Every entry costs one unit,
// so MaxCost is the maximum number of entries.
func NewRistretto[K comparable, V any](opts ...RistrettoOption) (*Ristretto[K, V], error) {
	cfg := &ristretto.Config{
		NumCounters:        10 * DefaultRistrettoEntries,
		MaxCost:            DefaultRistrettoEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("cache: ristretto: %w", err)
	}
	return &Ristretto[K, V]{c: rc, keys: make(map[string]K)}, nil
}

func hashKey[K comparable](key K) string {
	if s, ok := any(key).(string); ok {
		return s
	}
	return fmt.Sprintf("%v", key)
}

// Get implements Provider.Get.
func (r *Ristretto[K, V]) Get(key K) (V, bool) {
	v, ok := r.c.Get(hashKey(key))
	if !ok {
		var zero V
		return zero, false
	}
	val, ok := v.(V)
	return val, ok
}

// Put implements Provider.Put. It waits for the write to be applied.
func (r *Ristretto[K, V]) Put(key K, value V) {
	h := hashKey(key)
	r.mu.Lock()
	r.keys[h] = key
	r.mu.Unlock()
	r.c.Set(h, value, 1)
	r.c.Wait()
}

// Remove implements Provider.Remove.
func (r *Ristretto[K, V]) Remove(key K) {
	h := hashKey(key)
	r.mu.Lock()
	delete(r.keys, h)
	r.mu.Unlock()
	r.c.Del(h)
	r.c.Wait()
}

// Clear implements Provider.Clear.
func (r *Ristretto[K, V]) Clear() {
	r.mu.Lock()
	r.keys = make(map[string]K)
	r.mu.Unlock()
	r.c.Clear()
}

// Keys implements Provider.Keys. Keys evicted by the cache are dropped from
// the index as they are found.
func (r *Ristretto[K, V]) Keys() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]K, 0, len(r.keys))
	for h, k := range r.keys {
		if _, ok := r.c.Get(h); !ok {
			delete(r.keys, h)
			continue
		}
		out = append(out, k)
	}
	return out
}

// Len implements Provider.Len.
func (r *Ristretto[K, V]) Len() int {
	return len(r.Keys())
}

// Close releases resources held by the cache.
func (r *Ristretto[K, V]) Close() {
	r.c.Close()
}
