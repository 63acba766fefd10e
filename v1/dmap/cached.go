package dmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mirkobrombin/go-rift/v1/broker"
	"github.com/mirkobrombin/go-rift/v1/cache"
	"github.com/mirkobrombin/go-rift/v1/dispatch"
	"github.com/mirkobrombin/go-rift/v1/metrics"
	"github.com/mirkobrombin/go-rift/v1/packet"
)

// ErrNilValue is returned when setting a nil value; use Del instead.
var ErrNilValue = errors.New("dmap: nil value")

// TopicPrefix prefixes the update topic of every cached map.
const TopicPrefix = "map-updates-"

// CachedMap keeps a local copy of a RemoteMap. Reads are served from the
// local cache only; writes go to the remote hash and are broadcast to the
// other processes, which apply them to their own copy. Delivery is not
// durable, so a missed update leaves the field stale until it is written
// again or the map is reloaded.
type CachedMap[F comparable, V any] struct {
	remote  *RemoteMap[F, V]
	local   cache.Provider[F, V]
	broker  *broker.Broker
	factory UpdateFactory
	kind    string
	topic   string
}

// NewCached subscribes to the update topic of remote and loads its entries
// into local. A nil local uses an unbounded cache.Map; a nil factory uses
// NewUpdate. The factory's packet kind is registered with the broker.
func NewCached[F comparable, V any](ctx context.Context, b *broker.Broker, remote *RemoteMap[F, V], local cache.Provider[F, V], factory UpdateFactory) (*CachedMap[F, V], error) {
	if local == nil {
		local = cache.NewMap[F, V]()
	}
	if factory == nil {
		factory = NewUpdate
	}
	kind, err := registerFactory(b.Serializer().Registry(), factory)
	if err != nil {
		return nil, err
	}
	m := &CachedMap[F, V]{
		remote:  remote,
		local:   local,
		broker:  b,
		factory: factory,
		kind:    kind,
		topic:   TopicPrefix + remote.Key(),
	}
	if _, err := b.Subscribe(ctx, m); err != nil {
		return nil, err
	}
	if err := m.Reload(ctx); err != nil {
		_ = b.Unsubscribe(ctx, m)
		return nil, err
	}
	return m, nil
}

// Topic implements dispatch.Subscriber.
func (m *CachedMap[F, V]) Topic() string { return m.topic }

// Handlers implements dispatch.Subscriber.
func (m *CachedMap[F, V]) Handlers() dispatch.HandlerSet {
	return dispatch.HandlerSet{
		m.kind: func(ctx context.Context, p packet.Packet) (any, error) {
			u, ok := p.(UpdatePacket)
			if !ok {
				return nil, fmt.Errorf("%w: %T is not an update", dispatch.ErrUnexpectedPacket, p)
			}
			return nil, m.apply(u)
		},
	}
}

// Remote returns the backing remote map.
func (m *CachedMap[F, V]) Remote() *RemoteMap[F, V] { return m.remote }

// Set stores value locally and remotely and broadcasts the change.
func (m *CachedMap[F, V]) Set(ctx context.Context, field F, value V) error {
	if isNil(value) {
		return ErrNilValue
	}
	rawField, err := m.remote.serializer.MarshalRaw(field)
	if err != nil {
		return err
	}
	rawValue, err := m.remote.serializer.Marshal(value)
	if err != nil {
		return err
	}
	m.local.Put(field, value)
	if _, err := m.remote.Set(ctx, field, value); err != nil {
		return err
	}
	return m.broker.Publish(ctx, m.topic, m.factory(rawField, &rawValue))
}

// Del removes field remotely and locally and broadcasts the deletion.
func (m *CachedMap[F, V]) Del(ctx context.Context, field F) error {
	rawField, err := m.remote.serializer.MarshalRaw(field)
	if err != nil {
		return err
	}
	if _, err := m.remote.Del(ctx, field); err != nil {
		return err
	}
	m.local.Remove(field)
	return m.broker.Publish(ctx, m.topic, m.factory(rawField, nil))
}

// Get returns the locally cached value of field.
func (m *CachedMap[F, V]) Get(field F) (V, bool) {
	return m.local.Get(field)
}

// Keys returns the locally cached fields.
func (m *CachedMap[F, V]) Keys() []F {
	return m.local.Keys()
}

// Values returns the values of the remote map.
func (m *CachedMap[F, V]) Values(ctx context.Context) ([]V, error) {
	return m.remote.Values(ctx)
}

// Len returns the size of the remote map.
func (m *CachedMap[F, V]) Len(ctx context.Context) (int64, error) {
	return m.remote.Len(ctx)
}

// Reload replaces the local cache with the remote entries.
func (m *CachedMap[F, V]) Reload(ctx context.Context) error {
	entries, err := m.remote.Entries(ctx)
	if err != nil {
		return err
	}
	m.local.Clear()
	for f, v := range entries {
		m.local.Put(f, v)
	}
	return nil
}

// Dump logs the identity, the cached entries and the remote size.
func (m *CachedMap[F, V]) Dump(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	keys := m.local.Keys()
	size, err := m.remote.Len(ctx)
	logger.Info("rift: cached map", "key", m.remote.Key(), "identity", m.broker.Identity(),
		"cached", len(keys), "size", size, "err", err)
	for _, f := range keys {
		v, _ := m.local.Get(f)
		logger.Info("rift: cached entry", "key", m.remote.Key(), "field", f, "value", v)
	}
}

// Close stops receiving updates. The local cache keeps its content.
func (m *CachedMap[F, V]) Close(ctx context.Context) error {
	return m.broker.Unsubscribe(ctx, m)
}

func (m *CachedMap[F, V]) apply(u UpdatePacket) error {
	if u.Source() == m.broker.Identity() {
		return nil
	}
	field, err := m.remote.decodeField(u.UpdateField())
	if err != nil {
		return err
	}
	raw := u.UpdateValue()
	if raw == nil {
		m.local.Remove(field)
		metrics.MapUpdateCounter.Inc()
		return nil
	}
	v, err := m.remote.decodeValue(*raw)
	if err != nil {
		return err
	}
	m.local.Put(field, v)
	metrics.MapUpdateCounter.Inc()
	return nil
}
