package dmap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-rift/v1/metrics"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	// ModeAlert counts and logs mismatches.
	ModeAlert
	// ModeAutoHeal also rewrites the local cache from the remote map.
	ModeAutoHeal
)

// Validator periodically compares a cached map with its remote hash, which
// catches divergence left by missed updates.
type Validator[F comparable, V any] struct {
	m          *CachedMap[F, V]
	mode       Mode
	interval   time.Duration
	mismatches atomic.Uint64
}

// NewValidator creates a validator for m.
func NewValidator[F comparable, V any](m *CachedMap[F, V], mode Mode, interval time.Duration) *Validator[F, V] {
	return &Validator[F, V]{m: m, mode: mode, interval: interval}
}

// Run starts the validation loop and returns when ctx is done.
func (v *Validator[F, V]) Run(ctx context.Context) {
	if v.mode == ModeNoop || v.interval <= 0 {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Scan(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("rift: cached map validation failed", "topic", v.m.Topic(), "err", err)
			}
		}
	}
}

// Scan compares every field once and returns the number of mismatches
// found.
func (v *Validator[F, V]) Scan(ctx context.Context) (int, error) {
	remote, err := v.m.remote.Entries(ctx)
	if err != nil {
		return 0, err
	}
	found := 0
	for f, rv := range remote {
		lv, ok := v.m.local.Get(f)
		if ok && v.digest(lv) == v.digest(rv) {
			continue
		}
		found++
		if v.mode == ModeAutoHeal {
			v.m.local.Put(f, rv)
		}
	}
	for _, f := range v.m.local.Keys() {
		if _, ok := remote[f]; ok {
			continue
		}
		found++
		if v.mode == ModeAutoHeal {
			v.m.local.Remove(f)
		}
	}
	if found > 0 {
		v.mismatches.Add(uint64(found))
		metrics.MapMismatchCounter.Add(float64(found))
		slog.Warn("rift: cached map diverged from remote", "topic", v.m.Topic(), "mismatches", found, "healed", v.mode == ModeAutoHeal)
	}
	return found, nil
}

// Metrics returns number of mismatches detected.
func (v *Validator[F, V]) Metrics() uint64 {
	return v.mismatches.Load()
}

func (v *Validator[F, V]) digest(val V) string {
	raw, err := v.m.remote.serializer.Marshal(val)
	if err != nil {
		return ""
	}
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
