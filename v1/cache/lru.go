package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// LRU is a Provider evicting the least recently used entry once it holds
// more than its maximum number of entries.
type LRU[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]*list.Element
	order      *list.List
	maxEntries int

	hits   atomic.Uint64
	misses atomic.Uint64

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRUOption configures an LRU.
type LRUOption func(*lruConfig)

type lruConfig struct {
	maxEntries int
	reg        prometheus.Registerer
	name       string
}

// WithMaxEntries sets the maximum number of entries the cache can hold.
// A non-positive value means the cache size is unbounded.
func WithMaxEntries(n int) LRUOption {
	return func(c *lruConfig) { c.maxEntries = n }
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer. name distinguishes caches sharing a registerer.
func WithMetrics(reg prometheus.Registerer, name string) LRUOption {
	return func(c *lruConfig) {
		c.reg = reg
		c.name = name
	}
}

// NewLRU returns an empty LRU.
func NewLRU[K comparable, V any](opts ...LRUOption) *LRU[K, V] {
	var cfg lruConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &LRU[K, V]{
		items:      make(map[K]*list.Element),
		order:      list.New(),
		maxEntries: cfg.maxEntries,
	}
	if cfg.reg != nil {
		labels := prometheus.Labels{"cache": cfg.name}
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rift_cache_hits_total",
			Help:        "Total number of local cache hits",
			ConstLabels: labels,
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rift_cache_misses_total",
			Help:        "Total number of local cache misses",
			ConstLabels: labels,
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rift_cache_evictions_total",
			Help:        "Total number of local cache evictions",
			ConstLabels: labels,
		})
		cfg.reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter)
	}
	return c
}

// Get implements Provider.Get and marks key as recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		if c.missCounter != nil {
			c.missCounter.Inc()
		}
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	v := el.Value.(*entry[K, V]).value
	c.mu.Unlock()

	c.hits.Add(1)
	if c.hitCounter != nil {
		c.hitCounter.Inc()
	}
	return v, true
}

// Put implements Provider.Put.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value})
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if tail := c.order.Back(); tail != nil {
			c.order.Remove(tail)
			delete(c.items, tail.Value.(*entry[K, V]).key)
			if c.evictionCounter != nil {
				c.evictionCounter.Inc()
			}
		}
	}
}

// Remove implements Provider.Remove.
func (c *LRU[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Clear implements Provider.Clear.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

// Keys returns the cached keys, most recently used first.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]K, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry[K, V]).key)
	}
	return out
}

// Len implements Provider.Len.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Metrics returns current metrics for the cache.
func (c *LRU[K, V]) Metrics() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.Len(),
	}
}
