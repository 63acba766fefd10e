// Package rift is the entry point of the coordination client. A Client
// bundles a packet broker, a key-value store and a scheduler and hands out
// locks, remote maps and cached maps bound to them.
package rift

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mirkobrombin/go-rift/v1/adapter"
	"github.com/mirkobrombin/go-rift/v1/broker"
	"github.com/mirkobrombin/go-rift/v1/cache"
	"github.com/mirkobrombin/go-rift/v1/codec"
	"github.com/mirkobrombin/go-rift/v1/dispatch"
	"github.com/mirkobrombin/go-rift/v1/dmap"
	"github.com/mirkobrombin/go-rift/v1/future"
	"github.com/mirkobrombin/go-rift/v1/lock"
	"github.com/mirkobrombin/go-rift/v1/packet"
	"github.com/mirkobrombin/go-rift/v1/scheduler"
	"github.com/mirkobrombin/go-rift/v1/transport"
)

// LockOption configures a lock handed out by Client.Lock.
type LockOption = lock.Option

// WithTries bounds lock acquisition attempts. lock.Unlimited disables the
// bound.
func WithTries(n int) LockOption { return lock.WithTries(n) }

// WithDelay sets the base retry delay of a lock.
func WithDelay(d time.Duration) LockOption { return lock.WithDelay(d) }

// WithUntil sets the lease of a lock, also used as the retry delay ceiling.
func WithUntil(d time.Duration) LockOption { return lock.WithUntil(d) }

type options struct {
	brokerOpts []broker.Option
	lockOpts   []lock.Option
	cacheOpts  []cache.Option
	closers    []func() error

	breakerThreshold int
	breakerTimeout   time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithIdentity sets the identity stamped on packets and written to lock keys.
func WithIdentity(id string) Option {
	return func(o *options) { o.brokerOpts = append(o.brokerOpts, broker.WithIdentity(id)) }
}

// WithCallbackTopic overrides the topic carrying responses.
func WithCallbackTopic(topic string) Option {
	return func(o *options) { o.brokerOpts = append(o.brokerOpts, broker.WithCallbackTopic(topic)) }
}

// WithSerializer sets the serializer shared by the broker and the maps.
func WithSerializer(s *codec.Serializer) Option {
	return func(o *options) { o.brokerOpts = append(o.brokerOpts, broker.WithSerializer(s)) }
}

// WithLockDefaults sets options applied to every lock before the per-call
// ones.
func WithLockDefaults(opts ...LockOption) Option {
	return func(o *options) { o.lockOpts = append(o.lockOpts, opts...) }
}

// WithCircuitBreaker wraps the transport in a circuit breaker opening after
// threshold consecutive publish failures and retrying after timeout. A
// non-positive threshold leaves the transport unwrapped.
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(o *options) {
		o.breakerThreshold = threshold
		o.breakerTimeout = timeout
	}
}

// WithCacheDefaults sets the cache factory options used by CachedMap when
// no provider is given.
func WithCacheDefaults(opts ...cache.Option) Option {
	return func(o *options) { o.cacheOpts = append(o.cacheOpts, opts...) }
}

// WithRequestTimeout bounds how long a request waits for its response when
// the caller's context does not end sooner.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.brokerOpts = append(o.brokerOpts, broker.WithRequestTimeout(d)) }
}

// WithCloser registers fn to run on Close after the broker is closed, for
// connections the client does not own otherwise.
func WithCloser(fn func() error) Option {
	return func(o *options) {
		if fn != nil {
			o.closers = append(o.closers, fn)
		}
	}
}

// Client is a coordination client bound to one transport and one store.
type Client struct {
	broker    *broker.Broker
	store     adapter.Store
	sched     *scheduler.Scheduler
	lockOpts  []lock.Option
	cacheOpts []cache.Option
	closers   []func() error

	mu       sync.Mutex
	watchers map[string]*lock.Watcher

	closeOnce sync.Once
	closeErr  error
}

// New returns a client publishing on tr and storing keys in store. The
// client owns tr and closes it on Close. The map update kind is registered
// with the client's serializer.
func New(ctx context.Context, tr transport.Transport, store adapter.Store, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.breakerThreshold > 0 {
		tr = transport.NewCircuitBreaker(tr, o.breakerThreshold, o.breakerTimeout)
	}
	b, err := broker.New(ctx, tr, o.brokerOpts...)
	if err != nil {
		return nil, err
	}
	if err := b.Register(dmap.UpdateKind, func() packet.Packet { return &dmap.Update{} }); err != nil &&
		!errors.Is(err, packet.ErrKindRegistered) {
		_ = b.Close()
		return nil, err
	}
	return &Client{
		broker:    b,
		store:     store,
		sched:     scheduler.New(),
		lockOpts:  o.lockOpts,
		cacheOpts: o.cacheOpts,
		closers:   o.closers,
		watchers:  make(map[string]*lock.Watcher),
	}, nil
}

// Identity returns the client identity.
func (c *Client) Identity() string { return c.broker.Identity() }

// Broker returns the underlying broker.
func (c *Client) Broker() *broker.Broker { return c.broker }

// KeyValue returns the key-value store.
func (c *Client) KeyValue() adapter.KeyValue { return c.store }

// Register adds a packet kind to the client's registry.
func (c *Client) Register(kind string, f packet.Factory) error {
	return c.broker.Register(kind, f)
}

// Publish sends p on topic.
func (c *Client) Publish(ctx context.Context, topic string, p packet.Packet) error {
	return c.broker.Publish(ctx, topic, p)
}

// Request publishes req on topic and returns a future completed by the
// matching response.
func (c *Client) Request(ctx context.Context, topic string, req packet.Packet) (*future.Future[packet.Packet], error) {
	return c.broker.Request(ctx, topic, req)
}

// Await is Request followed by waiting on the future.
func (c *Client) Await(ctx context.Context, topic string, req packet.Packet) (packet.Packet, error) {
	return c.broker.Await(ctx, topic, req)
}

// AwaitReply is Await returning the response as R.
func AwaitReply[R packet.Packet](ctx context.Context, c *Client, topic string, req packet.Packet) (R, error) {
	return broker.AwaitReply[R](ctx, c.broker, topic, req)
}

// Subscribe routes packets on sub's topic to its handlers.
func (c *Client) Subscribe(ctx context.Context, sub dispatch.Subscriber) ([]string, error) {
	return c.broker.Subscribe(ctx, sub)
}

// Unsubscribe removes sub.
func (c *Client) Unsubscribe(ctx context.Context, sub dispatch.Subscriber) error {
	return c.broker.Unsubscribe(ctx, sub)
}

// Lock returns a lock on key. Defaults are a 150ms base delay, a 3s lease
// and unlimited tries. Every lock on the same key shares one watcher, so a
// body holding the key reenters through any handle given its context. The
// lease and renewal interval are fixed by the first Lock call for key; later
// calls only change retry behavior.
func (c *Client) Lock(key string, opts ...LockOption) *lock.Lock {
	all := make([]lock.Option, 0, len(c.lockOpts)+len(opts)+2)
	all = append(all, lock.WithScheduler(c.sched))
	all = append(all, c.lockOpts...)
	all = append(all, opts...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.watchers[key]; ok {
		return lock.New(c.store, key, c.broker.Identity(), append(all, lock.WithWatcher(w))...)
	}
	l := lock.New(c.store, key, c.broker.Identity(), all...)
	c.watchers[key] = l.Watcher()
	return l
}

// Map returns a handle on the remote hash stored at key.
func Map[F comparable, V any](c *Client, key string) *dmap.RemoteMap[F, V] {
	return dmap.NewRemote[F, V](c.store, c.broker.Serializer(), key)
}

// CachedMap returns a locally cached view of the remote hash at key, kept
// coherent through update packets. provider and factory may be nil; a nil
// provider is built from the client's cache defaults.
func CachedMap[F comparable, V any](ctx context.Context, c *Client, key string, provider cache.Provider[F, V], factory dmap.UpdateFactory) (*dmap.CachedMap[F, V], error) {
	if provider == nil {
		p, err := cache.New[F, V](c.cacheOpts...)
		if err != nil {
			return nil, err
		}
		provider = p
	}
	return dmap.NewCached(ctx, c.broker, Map[F, V](c, key), provider, factory)
}

// Close stops lock renewal, closes the broker and runs registered closers.
// It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.sched.Close()
		errs := []error{c.broker.Close()}
		for _, fn := range c.closers {
			errs = append(errs, fn())
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
