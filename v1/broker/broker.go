// Package broker publishes packets on a transport, feeds inbound packets to a
// dispatcher and correlates requests with their responses.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	hcuuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-rift/v1/codec"
	"github.com/mirkobrombin/go-rift/v1/dispatch"
	rifterrors "github.com/mirkobrombin/go-rift/v1/errors"
	"github.com/mirkobrombin/go-rift/v1/future"
	"github.com/mirkobrombin/go-rift/v1/metrics"
	"github.com/mirkobrombin/go-rift/v1/packet"
	"github.com/mirkobrombin/go-rift/v1/transport"
)

const (
	// DefaultCallbackTopic carries responses to requests.
	DefaultCallbackTopic = "callbacks"
	// DefaultRequestTimeout bounds requests whose context has no sooner
	// deadline.
	DefaultRequestTimeout = 30 * time.Second
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-rift/v1/broker")

var (
	// ErrMissingTarget is returned when a reply has no target to route to.
	ErrMissingTarget = errors.New("broker: reply has no target")
	// ErrUnexpectedReply is returned by AwaitReply when the response has
	// another type than the one requested.
	ErrUnexpectedReply = errors.New("broker: unexpected reply type")
)

// Broker is a packet broker bound to one transport.
type Broker struct {
	identity      string
	callbackTopic string
	transport     transport.Transport
	serializer    *codec.Serializer
	dispatcher    *dispatch.Dispatcher
	timeout       time.Duration

	mu      sync.Mutex
	pending map[string]*future.Future[packet.Packet]
	topics  map[string]struct{}
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Broker.
type Option func(*Broker)

// WithIdentity sets the broker identity stamped as the source of packets.
func WithIdentity(id string) Option {
	return func(b *Broker) {
		if id != "" {
			b.identity = id
		}
	}
}

// WithCallbackTopic overrides the topic responses are published on.
func WithCallbackTopic(topic string) Option {
	return func(b *Broker) {
		if topic != "" {
			b.callbackTopic = topic
		}
	}
}

// WithRequestTimeout bounds how long a request waits for its response. A
// non-positive d leaves the bound to the caller's context alone.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Broker) { b.timeout = d }
}

// WithSerializer sets the serializer used for packets.
func WithSerializer(s *codec.Serializer) Option {
	return func(b *Broker) {
		if s != nil {
			b.serializer = s
		}
	}
}

// WithDispatcher sets the dispatcher inbound packets are routed to.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(b *Broker) {
		if d != nil {
			b.dispatcher = d
		}
	}
}

// New returns a broker on tr and subscribes it to the callback topic. The
// broker owns tr and closes it on Close.
func New(ctx context.Context, tr transport.Transport, opts ...Option) (*Broker, error) {
	b := &Broker{
		identity:      DefaultIdentity(),
		callbackTopic: DefaultCallbackTopic,
		transport:     tr,
		timeout:       DefaultRequestTimeout,
		pending:       make(map[string]*future.Future[packet.Packet]),
		topics:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.serializer == nil {
		b.serializer = codec.NewSerializer(nil)
	}
	if b.dispatcher == nil {
		b.dispatcher = dispatch.New()
	}
	b.dispatcher.SetReplyFunc(b.reply)

	if err := tr.Subscribe(ctx, b.callbackTopic, b.onCallback); err != nil {
		return nil, &rifterrors.TransportError{Op: "subscribe", Topic: b.callbackTopic, Err: err}
	}
	return b, nil
}

// DefaultIdentity returns hostname:pid followed by a random suffix.
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "rift"
	}
	suffix, err := hcuuid.GenerateUUID()
	if err != nil {
		suffix = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), suffix)
}

// Identity returns the broker identity.
func (b *Broker) Identity() string { return b.identity }

// CallbackTopic returns the topic responses travel on.
func (b *Broker) CallbackTopic() string { return b.callbackTopic }

// Serializer returns the packet serializer.
func (b *Broker) Serializer() *codec.Serializer { return b.serializer }

// Dispatcher returns the dispatcher inbound packets are routed to.
func (b *Broker) Dispatcher() *dispatch.Dispatcher { return b.dispatcher }

// Register makes packets of kind decodable by this broker.
func (b *Broker) Register(kind string, f packet.Factory) error {
	return b.serializer.Registry().Register(kind, f)
}

// Publish stamps the broker identity as source if the packet has none,
// encodes p and publishes it on topic.
func (b *Broker) Publish(ctx context.Context, topic string, p packet.Packet) error {
	ctx, span := tracer.Start(ctx, "Broker.Publish", trace.WithAttributes(
		attribute.String("rift.topic", topic),
		attribute.String("rift.kind", p.Kind()),
	))
	defer span.End()

	if b.isClosed() {
		return rifterrors.ErrConnectionClosed
	}
	packet.StampSource(p, b.identity)
	payload, err := b.serializer.Encode(p)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := b.transport.Publish(ctx, topic, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &rifterrors.TransportError{Op: "publish", Topic: topic, Err: err}
	}
	metrics.PublishedCounter.Inc()
	return nil
}

// Subscribe registers sub with the dispatcher and makes sure the transport
// listens on its topic. It returns the packet kinds now bound.
func (b *Broker) Subscribe(ctx context.Context, sub dispatch.Subscriber) ([]string, error) {
	if b.isClosed() {
		return nil, rifterrors.ErrConnectionClosed
	}
	kinds, err := b.dispatcher.Subscribe(sub)
	if err != nil {
		return nil, err
	}
	topic := sub.Topic()
	if topic == b.callbackTopic {
		return kinds, nil
	}

	b.mu.Lock()
	if _, ok := b.topics[topic]; ok {
		b.mu.Unlock()
		return kinds, nil
	}
	b.topics[topic] = struct{}{}
	b.mu.Unlock()

	if err := b.transport.Subscribe(ctx, topic, b.deliver(topic)); err != nil && !errors.Is(err, transport.ErrAlreadySubscribed) {
		b.mu.Lock()
		delete(b.topics, topic)
		b.mu.Unlock()
		b.dispatcher.Unsubscribe(sub)
		return nil, &rifterrors.TransportError{Op: "subscribe", Topic: topic, Err: err}
	}
	return kinds, nil
}

// Unsubscribe removes sub and stops listening on its topic once no
// subscriber is left there.
func (b *Broker) Unsubscribe(ctx context.Context, sub dispatch.Subscriber) error {
	if !b.dispatcher.Unsubscribe(sub) {
		return nil
	}
	topic := sub.Topic()
	if topic == b.callbackTopic || b.dispatcher.HasSubscribers(topic) {
		return nil
	}
	b.mu.Lock()
	_, ok := b.topics[topic]
	delete(b.topics, topic)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := b.transport.Unsubscribe(ctx, topic); err != nil {
		return &rifterrors.TransportError{Op: "unsubscribe", Topic: topic, Err: err}
	}
	return nil
}

// Topics returns the topics the transport listens on for subscribers,
// sorted. The callback topic is not included.
func (b *Broker) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Request publishes req on topic and returns a future completed by the
// matching response. When ctx ends first the future fails with
// errors.ErrTimeout on deadline or the context error otherwise. Without a
// response the pending entry lives at most the request timeout.
func (b *Broker) Request(ctx context.Context, topic string, req packet.Packet) (*future.Future[packet.Packet], error) {
	ctx, span := tracer.Start(ctx, "Broker.Request", trace.WithAttributes(
		attribute.String("rift.topic", topic),
		attribute.String("rift.kind", req.Kind()),
	))
	defer span.End()

	id := b.identity + ":" + uuid.NewString()
	req.SetReplyTo(id)
	f := future.New[packet.Packet]()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, rifterrors.ErrConnectionClosed
	}
	b.pending[id] = f
	b.mu.Unlock()
	metrics.PendingGauge.Inc()

	if err := b.Publish(ctx, topic, req); err != nil {
		b.forget(id)
		return nil, err
	}

	done := ctx.Done()
	if done == nil && b.timeout <= 0 {
		return f, nil
	}
	go func() {
		var expired <-chan time.Time
		if b.timeout > 0 {
			timer := time.NewTimer(b.timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-f.Done():
		case <-done:
			if b.forget(id) {
				f.Fail(contextErr(ctx.Err()))
			}
		case <-expired:
			if b.forget(id) {
				f.Fail(rifterrors.ErrTimeout)
			}
		}
	}()
	return f, nil
}

// Await sends req and blocks for the response.
func (b *Broker) Await(ctx context.Context, topic string, req packet.Packet) (packet.Packet, error) {
	f, err := b.Request(ctx, topic, req)
	if err != nil {
		return nil, err
	}
	return f.Await(context.Background())
}

// AwaitReply sends req through b and returns the response as R.
func AwaitReply[R packet.Packet](ctx context.Context, b *Broker, topic string, req packet.Packet) (R, error) {
	var zero R
	resp, err := b.Await(ctx, topic, req)
	if err != nil {
		return zero, err
	}
	r, ok := resp.(R)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrUnexpectedReply, resp, zero)
	}
	return r, nil
}

// Pending returns the number of requests awaiting a response.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close fails pending requests with errors.ErrConnectionClosed, releases
// every topic and closes the transport. It is idempotent.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		pending := b.pending
		b.pending = make(map[string]*future.Future[packet.Packet])
		topics := make([]string, 0, len(b.topics)+1)
		for t := range b.topics {
			topics = append(topics, t)
		}
		b.topics = make(map[string]struct{})
		b.mu.Unlock()

		for _, f := range pending {
			metrics.PendingGauge.Dec()
			f.Fail(rifterrors.ErrConnectionClosed)
		}

		topics = append(topics, b.callbackTopic)
		g, gctx := errgroup.WithContext(context.Background())
		for _, topic := range topics {
			topic := topic
			g.Go(func() error {
				if err := b.transport.Unsubscribe(gctx, topic); err != nil {
					return &rifterrors.TransportError{Op: "unsubscribe", Topic: topic, Err: err}
				}
				return nil
			})
		}
		b.closeErr = errors.Join(g.Wait(), b.transport.Close())
	})
	return b.closeErr
}

func (b *Broker) reply(ctx context.Context, _ packet.Packet, resp packet.Packet) error {
	if resp.Target() == "" {
		return ErrMissingTarget
	}
	return b.Publish(ctx, b.callbackTopic, resp)
}

func (b *Broker) deliver(topic string) transport.MessageFunc {
	return func(ctx context.Context, payload string) {
		p, ok := b.decode(topic, payload)
		if !ok {
			return
		}
		b.dispatch(ctx, p, topic)
	}
}

func (b *Broker) onCallback(ctx context.Context, payload string) {
	p, ok := b.decode(b.callbackTopic, payload)
	if !ok {
		return
	}
	target := p.Target()
	if target == "" {
		b.dispatch(ctx, p, b.callbackTopic)
		return
	}

	b.mu.Lock()
	f, found := b.pending[target]
	delete(b.pending, target)
	b.mu.Unlock()
	if !found {
		metrics.DroppedCounter.Inc()
		slog.Debug("rift: dropping response without pending request", "target", target, "kind", p.Kind())
		return
	}
	metrics.PendingGauge.Dec()
	f.Complete(p)
}

func (b *Broker) decode(topic, payload string) (packet.Packet, bool) {
	p, err := b.serializer.Decode(payload)
	if err != nil {
		metrics.DroppedCounter.Inc()
		slog.Warn("rift: dropping undecodable packet", "topic", topic, "err", err)
		return nil, false
	}
	metrics.DeliveredCounter.Inc()
	return p, true
}

func (b *Broker) dispatch(ctx context.Context, p packet.Packet, topic string) {
	if err := b.dispatcher.Dispatch(ctx, p, topic); err != nil {
		slog.Error("rift: dispatch failed", "topic", topic, "kind", p.Kind(), "err", err)
	}
}

// forget removes a pending request and reports whether it was still there.
func (b *Broker) forget(id string) bool {
	b.mu.Lock()
	_, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if ok {
		metrics.PendingGauge.Dec()
	}
	return ok
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func contextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return rifterrors.ErrTimeout
	}
	return err
}
