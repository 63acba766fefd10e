// Package tap streams the raw frames published on transport topics to local
// watchers, and exposes them over Server-Sent Events and WebSocket.
package tap

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mirkobrombin/go-rift/v1/metrics"
	"github.com/mirkobrombin/go-rift/v1/transport"
)

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("tap: closed")

const defaultBuffer = 16

// Tap fans frames from a transport out to watchers. It subscribes to a topic
// while at least one watcher is interested in it. Frames are dropped for
// watchers that do not keep up.
type Tap struct {
	tr     transport.Transport
	buffer int

	// opMu serializes transport subscription changes.
	opMu sync.Mutex
	mu     sync.Mutex
	subs   map[string][]chan []byte
	closed bool
}

// Option configures a Tap.
type Option func(*Tap)

// WithBuffer sets the channel capacity of each watcher.
func WithBuffer(n int) Option {
	return func(t *Tap) {
		if n > 0 {
			t.buffer = n
		}
	}
}

// New returns a tap reading from tr. tr should be a connection of its own:
// subscriptions made by the tap replace others on the same topic for some
// transports.
func New(tr transport.Transport, opts ...Option) *Tap {
	t := &Tap{tr: tr, buffer: defaultBuffer, subs: make(map[string][]chan []byte)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Watch returns a channel receiving frames published on topic until ctx is
// done or Unwatch is called.
func (t *Tap) Watch(ctx context.Context, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, t.buffer)

	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	first := len(t.subs[topic]) == 0
	t.subs[topic] = append(t.subs[topic], ch)
	t.mu.Unlock()

	if first {
		if err := t.tr.Subscribe(ctx, topic, t.deliver(topic)); err != nil {
			t.remove(topic, ch)
			return nil, err
		}
	}
	go func() {
		<-ctx.Done()
		_ = t.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unwatch stops delivering frames on topic to ch and closes it. The topic
// is released once it has no watcher left.
func (t *Tap) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	found, last := t.remove(topic, ch)
	if !found || !last {
		return nil
	}
	return t.tr.Unsubscribe(ctx, topic)
}

// Watchers returns the number of watchers of topic.
func (t *Tap) Watchers(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[topic])
}

// Close closes every watcher channel and the transport.
func (t *Tap) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[string][]chan []byte)
	t.mu.Unlock()

	for _, chans := range subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	return t.tr.Close()
}

func (t *Tap) remove(topic string, ch chan []byte) (found, last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(t.subs, topic)
		return found, true
	}
	t.subs[topic] = subs
	return found, false
}

func (t *Tap) deliver(topic string) transport.MessageFunc {
	return func(_ context.Context, payload string) {
		data := []byte(payload)
		t.mu.Lock()
		defer t.mu.Unlock()
		for _, ch := range t.subs[topic] {
			select {
			case ch <- data:
			default:
				metrics.DroppedCounter.Inc()
				slog.Debug("rift: tap watcher lagging, frame dropped", "topic", topic)
			}
		}
	}
}
