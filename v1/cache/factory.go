package cache

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStrategy is returned by ParseStrategy for an unsupported name.
var ErrUnknownStrategy = errors.New("cache: unknown strategy")

// Strategy defines the eviction policy used by New.
type Strategy int

const (
	// UnboundedStrategy never evicts.
	UnboundedStrategy Strategy = iota
	// LRUStrategy uses a least-recently-used eviction policy.
	LRUStrategy
	// LFUStrategy uses ristretto's TinyLFU policy.
	LFUStrategy
)

// ParseStrategy maps unbounded, lru and lfu to a Strategy. The empty
// string is unbounded.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "unbounded":
		return UnboundedStrategy, nil
	case "lru":
		return LRUStrategy, nil
	case "lfu":
		return LFUStrategy, nil
	}
	return UnboundedStrategy, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// Option configures New.
type Option func(*factoryConfig)

type factoryConfig struct {
	strategy   Strategy
	maxEntries int
}

// WithStrategy selects the eviction strategy to use. The default is
// UnboundedStrategy.
func WithStrategy(s Strategy) Option {
	return func(cfg *factoryConfig) { cfg.strategy = s }
}

// WithSize bounds the number of entries of the LRU and LFU strategies.
func WithSize(n int) Option {
	return func(cfg *factoryConfig) { cfg.maxEntries = n }
}

// New returns a Provider using the selected strategy.
func New[K comparable, V any](opts ...Option) (Provider[K, V], error) {
	var cfg factoryConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.strategy {
	case LRUStrategy:
		return NewLRU[K, V](WithMaxEntries(cfg.maxEntries)), nil
	case LFUStrategy:
		r, err := NewRistretto[K, V](WithRistrettoEntries(int64(cfg.maxEntries)))
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return NewMap[K, V](), nil
	}
}
