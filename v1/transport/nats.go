package transport

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NATS implements Transport using core NATS subjects.
type NATS struct {
	conn *nats.Conn

	mu     sync.Mutex
	subs   map[string]*natsSubscription
	closed bool
}

type natsSubscription struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
}

// NewNATS returns a NATS transport using conn. The connection is not closed
// by Close.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{
		conn: conn,
		subs: make(map[string]*natsSubscription),
	}
}

// Publish implements Transport.Publish.
func (n *NATS) Publish(ctx context.Context, topic, payload string) error {
	_, span := tracer.Start(ctx, "NATS.Publish", trace.WithAttributes(attribute.String("rift.topic", topic)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	if n.isClosed() {
		return ErrClosed
	}
	if err := n.conn.Publish(topic, []byte(payload)); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Subscribe implements Transport.Subscribe. The subscription is flushed to
// the server before returning.
func (n *NATS) Subscribe(ctx context.Context, topic string, fn MessageFunc) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if _, ok := n.subs[topic]; ok {
		return ErrAlreadySubscribed
	}

	lctx, cancel := context.WithCancel(context.Background())
	ns, err := n.conn.Subscribe(topic, func(m *nats.Msg) {
		if lctx.Err() != nil {
			return
		}
		fn(lctx, string(m.Data))
	})
	if err != nil {
		cancel()
		return err
	}
	// FlushWithContext rejects contexts without a deadline.
	fctx, fcancel := context.WithTimeout(ctx, transportTimeout)
	defer fcancel()
	if err := n.conn.FlushWithContext(fctx); err != nil {
		cancel()
		_ = ns.Unsubscribe()
		return err
	}
	n.subs[topic] = &natsSubscription{sub: ns, cancel: cancel}
	return nil
}

// Unsubscribe implements Transport.Unsubscribe.
func (n *NATS) Unsubscribe(_ context.Context, topic string) error {
	n.mu.Lock()
	s := n.subs[topic]
	delete(n.subs, topic)
	n.mu.Unlock()
	if s == nil {
		return nil
	}
	s.cancel()
	return s.sub.Unsubscribe()
}

// Close unsubscribes every topic. It is idempotent.
func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	subs := n.subs
	n.subs = make(map[string]*natsSubscription)
	n.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		s.cancel()
		if err := s.sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *NATS) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}
