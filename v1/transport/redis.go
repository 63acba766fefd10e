package transport

import (
	"context"
	"log/slog"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	rifterrors "github.com/mirkobrombin/go-rift/v1/errors"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// Redis implements Transport on Redis pub/sub. Every topic gets its own
// PubSub connection and listener goroutine.
type Redis struct {
	client redis.UniversalClient

	mu     sync.Mutex
	subs   map[string]*redisSubscription
	closed bool
}

// NewRedis returns a Redis transport using client. The client is not closed
// by Close.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}
}

// Publish implements Transport.Publish.
func (r *Redis) Publish(ctx context.Context, topic, payload string) error {
	ctx, span := tracer.Start(ctx, "Redis.Publish", trace.WithAttributes(attribute.String("rift.topic", topic)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return rifterrors.FromRedis(err)
	}
	if r.isClosed() {
		return ErrClosed
	}
	cctx, cancel := context.WithTimeout(ctx, transportTimeout)
	defer cancel()
	if err := r.client.Publish(cctx, topic, payload).Err(); err != nil {
		span.RecordError(err)
		return rifterrors.FromRedis(err)
	}
	return nil
}

// Subscribe implements Transport.Subscribe. It returns once Redis has
// confirmed the subscription, so messages published afterwards are delivered.
func (r *Redis) Subscribe(ctx context.Context, topic string, fn MessageFunc) error {
	if err := ctx.Err(); err != nil {
		return rifterrors.FromRedis(err)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.subs[topic]; ok {
		r.mu.Unlock()
		return ErrAlreadySubscribed
	}
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, transportTimeout)
	ps := r.client.Subscribe(cctx, topic)
	_, err := ps.Receive(cctx)
	cancel()
	if err != nil {
		_ = ps.Close()
		return rifterrors.FromRedis(err)
	}

	lctx, lcancel := context.WithCancel(context.Background())
	sub := &redisSubscription{pubsub: ps, cancel: lcancel}

	r.mu.Lock()
	if _, ok := r.subs[topic]; ok || r.closed {
		closed := r.closed
		r.mu.Unlock()
		lcancel()
		_ = ps.Close()
		if closed {
			return ErrClosed
		}
		return ErrAlreadySubscribed
	}
	r.subs[topic] = sub
	r.mu.Unlock()

	go r.listen(lctx, topic, sub, fn)
	return nil
}

func (r *Redis) listen(ctx context.Context, topic string, sub *redisSubscription, fn MessageFunc) {
	for msg := range sub.pubsub.Channel() {
		if ctx.Err() != nil {
			return
		}
		fn(ctx, msg.Payload)
	}
	slog.Debug("rift: redis listener stopped", "topic", topic)
}

// Unsubscribe implements Transport.Unsubscribe. It does not wait for an
// in-flight delivery, so it is safe to call from a MessageFunc.
func (r *Redis) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	sub := r.subs[topic]
	delete(r.subs, topic)
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	return r.release(ctx, topic, sub)
}

func (r *Redis) release(ctx context.Context, topic string, sub *redisSubscription) error {
	sub.cancel()
	cctx, cancel := context.WithTimeout(ctx, transportTimeout)
	defer cancel()
	_ = sub.pubsub.Unsubscribe(cctx, topic)
	return rifterrors.FromRedis(sub.pubsub.Close())
}

// Close releases every subscription. It is idempotent.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	var firstErr error
	for topic, sub := range subs {
		if err := r.release(context.Background(), topic, sub); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
