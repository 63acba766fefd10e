// Package cache provides the local providers backing cached maps: an
// unbounded map, a size-bounded LRU and a ristretto-backed TinyLFU cache.
// Entries never expire on their own; they are replaced or removed by their
// owner.
package cache
