// Package presets builds ready-to-use clients for common deployments.
package presets

import (
	"context"
	"fmt"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-rift/v1/adapter"
	"github.com/mirkobrombin/go-rift/v1/config"
	"github.com/mirkobrombin/go-rift/v1/lock"
	"github.com/mirkobrombin/go-rift/v1/rift"
	"github.com/mirkobrombin/go-rift/v1/transport"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func (o RedisOptions) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
}

// NewRedis returns a client using Redis both as the store and, through
// pub/sub, as the transport.
func NewRedis(ctx context.Context, opts RedisOptions, extra ...rift.Option) (*rift.Client, error) {
	client := opts.client()
	return newClient(ctx, client, transport.NewRedis(client), nil, extra)
}

// NewNATS returns a client storing keys in Redis and exchanging packets over
// the NATS server at url.
func NewNATS(ctx context.Context, opts RedisOptions, url string, extra ...rift.Option) (*rift.Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("presets: nats connect: %w", err)
	}
	closeConn := func() error { conn.Close(); return nil }
	return newClient(ctx, opts.client(), transport.NewNATS(conn), closeConn, extra)
}

// NewKafka returns a client storing keys in Redis and exchanging packets
// over Kafka.
func NewKafka(ctx context.Context, opts RedisOptions, brokers []string, extra ...rift.Option) (*rift.Client, error) {
	tr, err := transport.NewKafka(brokers, nil)
	if err != nil {
		return nil, fmt.Errorf("presets: kafka connect: %w", err)
	}
	return newClient(ctx, opts.client(), tr, nil, extra)
}

// NewInMemoryStandalone returns a client with no external dependencies.
// Every client built on the same hub shares its packets and keys; a nil hub
// gets a private one.
func NewInMemoryStandalone(ctx context.Context, hub *Hub, extra ...rift.Option) (*rift.Client, error) {
	if hub == nil {
		hub = NewHub()
	}
	return rift.New(ctx, hub.bus.Connect(), hub.store, extra...)
}

// Hub is a shared in-process transport and store.
type Hub struct {
	bus   *transport.Hub
	store *adapter.InMemoryStore
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{bus: transport.NewHub(), store: adapter.NewInMemoryStore()}
}

// FromConfig builds a client from cfg, picking the transport named by
// cfg.Transport and applying the lock, request, circuit breaker and cache
// defaults.
func FromConfig(ctx context.Context, cfg config.Config, extra ...rift.Option) (*rift.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cacheOpts, err := cfg.CacheOptions()
	if err != nil {
		return nil, err
	}
	opts := append([]rift.Option{
		rift.WithIdentity(cfg.Identity),
		rift.WithCallbackTopic(cfg.CallbackTopic),
		rift.WithRequestTimeout(cfg.RequestTimeout),
		rift.WithCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout),
		rift.WithCacheDefaults(cacheOpts...),
		rift.WithLockDefaults(
			lock.WithDelay(cfg.LockDelay),
			lock.WithUntil(cfg.LockUntil),
			lock.WithTries(cfg.LockTries),
		),
	}, extra...)
	ro := RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	switch cfg.Transport {
	case config.TransportNATS:
		return NewNATS(ctx, ro, cfg.NATSURL, opts...)
	case config.TransportKafka:
		return NewKafka(ctx, ro, cfg.KafkaBrokers, opts...)
	default:
		return NewRedis(ctx, ro, opts...)
	}
}

func newClient(ctx context.Context, client *redis.Client, tr transport.Transport, closeTransport func() error, extra []rift.Option) (*rift.Client, error) {
	opts := append([]rift.Option{}, extra...)
	if closeTransport != nil {
		opts = append(opts, rift.WithCloser(closeTransport))
	}
	opts = append(opts, rift.WithCloser(client.Close))
	c, err := rift.New(ctx, tr, adapter.NewRedisStore(client), opts...)
	if err != nil {
		_ = tr.Close()
		if closeTransport != nil {
			_ = closeTransport()
		}
		_ = client.Close()
		return nil, err
	}
	return c, nil
}

// Connect returns another connection to the hub's transport, for readers
// such as a tap.
func (h *Hub) Connect() transport.Transport { return h.bus.Connect() }
