package adapter

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// KeyValue is the string key-value surface used by locks and counters.
type KeyValue interface {
	// Get returns the value of key. The boolean reports whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetTTL stores value with an expiry. A zero ttl means no expiry.
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	// CompareAndDelete deletes key only while it still holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// ExpireAt sets an absolute expiry and reports whether key exists.
	ExpireAt(ctx context.Context, key string, at time.Time) (bool, error)
	// CompareAndExpireAt sets an absolute expiry only while key still holds
	// expected and reports whether it did.
	CompareAndExpireAt(ctx context.Context, key, expected string, at time.Time) (bool, error)
	// TTL returns the remaining lifetime of key. A zero duration with a true
	// boolean means the key never expires.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Hash is the Redis hash surface backing distributed maps.
type Hash interface {
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)
}

// Store combines KeyValue and Hash.
type Store interface {
	KeyValue
	Hash
}

type memEntry struct {
	value   string
	expires time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// InMemoryStore is a Store backed by maps with wall-clock expiry. It is used
// in tests and single-process deployments.
type InMemoryStore struct {
	mu     sync.Mutex
	items  map[string]memEntry
	hashes map[string]map[string]string
	now    func() time.Time
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items:  make(map[string]memEntry),
		hashes: make(map[string]map[string]string),
		now:    time.Now,
	}
}

// lookup returns the live entry for key, dropping it if expired.
// The caller holds s.mu.
func (s *InMemoryStore) lookup(key string) (memEntry, bool) {
	e, ok := s.items[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(s.now()) {
		delete(s.items, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *InMemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get implements KeyValue.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	return e.value, ok, nil
}

// Set implements KeyValue.Set.
func (s *InMemoryStore) Set(ctx context.Context, key, value string) error {
	return s.SetTTL(ctx, key, value, 0)
}

// SetTTL implements KeyValue.SetTTL.
func (s *InMemoryStore) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[key] = memEntry{value: value, expires: s.deadline(ttl)}
	s.mu.Unlock()
	return nil
}

// SetNX implements KeyValue.SetNX.
func (s *InMemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.items[key] = memEntry{value: value, expires: s.deadline(ttl)}
	return true, nil
}

// Delete implements KeyValue.Delete. Hashes stored under key are removed too.
func (s *InMemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup(key)
	delete(s.items, key)
	if _, h := s.hashes[key]; h {
		delete(s.hashes, key)
		ok = true
	}
	return ok, nil
}

// CompareAndDelete implements KeyValue.CompareAndDelete.
func (s *InMemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// ExpireAt implements KeyValue.ExpireAt.
func (s *InMemoryStore) ExpireAt(ctx context.Context, key string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return false, nil
	}
	e.expires = at
	if e.expired(s.now()) {
		delete(s.items, key)
		return true, nil
	}
	s.items[key] = e
	return true, nil
}

// CompareAndExpireAt implements KeyValue.CompareAndExpireAt.
func (s *InMemoryStore) CompareAndExpireAt(ctx context.Context, key, expected string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	e.expires = at
	if e.expired(s.now()) {
		delete(s.items, key)
		return true, nil
	}
	s.items[key] = e
	return true, nil
}

// TTL implements KeyValue.TTL.
func (s *InMemoryStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return 0, false, nil
	}
	if e.expires.IsZero() {
		return 0, true, nil
	}
	return e.expires.Sub(s.now()), true, nil
}

// Incr implements KeyValue.Incr.
func (s *InMemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.add(ctx, key, 1)
}

// Decr implements KeyValue.Decr.
func (s *InMemoryStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.add(ctx, key, -1)
}

func (s *InMemoryStore) add(ctx context.Context, key string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	var n int64
	if ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		n = v
	}
	n += delta
	e.value = strconv.FormatInt(n, 10)
	s.items[key] = e
	return n, nil
}

// Exists implements KeyValue.Exists.
func (s *InMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return true, nil
	}
	_, ok := s.hashes[key]
	return ok, nil
}

// HSet implements Hash.HSet.
func (s *InMemoryStore) HSet(ctx context.Context, key, field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashes[key]
	if h == nil {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

// HGet implements Hash.HGet.
func (s *InMemoryStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hashes[key][field]
	return v, ok, nil
}

// HDel implements Hash.HDel.
func (s *InMemoryStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashes[key]
	var n int64
	for _, f := range fields {
		if _, ok := h[f]; ok {
			delete(h, f)
			n++
		}
	}
	if h != nil && len(h) == 0 {
		delete(s.hashes, key)
	}
	return n, nil
}

// HGetAll implements Hash.HGetAll.
func (s *InMemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

// HLen implements Hash.HLen.
func (s *InMemoryStore) HLen(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.hashes[key])), nil
}
