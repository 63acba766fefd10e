package transport

import (
	"context"
	"sync"
)

const inMemoryBuffer = 256

// Hub connects InMemory transports living in the same process, standing in
// for a shared pub/sub server.
type Hub struct {
	mu    sync.RWMutex
	peers map[*InMemory]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[*InMemory]struct{})}
}

// Connect returns a new transport attached to the hub.
func (h *Hub) Connect() *InMemory {
	t := &InMemory{hub: h, subs: make(map[string]*memSubscription)}
	h.mu.Lock()
	h.peers[t] = struct{}{}
	h.mu.Unlock()
	return t
}

func (h *Hub) leave(t *InMemory) {
	h.mu.Lock()
	delete(h.peers, t)
	h.mu.Unlock()
}

func (h *Hub) targets(topic string) []*memSubscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*memSubscription
	for p := range h.peers {
		if s := p.subscription(topic); s != nil {
			out = append(out, s)
		}
	}
	return out
}

type memSubscription struct {
	ch   chan string
	done chan struct{}
	once sync.Once
}

func (s *memSubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// InMemory is a Transport delivering payloads to every transport on the same
// Hub, itself included. It is mainly used in tests.
type InMemory struct {
	hub *Hub

	mu     sync.Mutex
	subs   map[string]*memSubscription
	closed bool
}

// NewInMemory returns a transport on its own private hub.
func NewInMemory() *InMemory {
	return NewHub().Connect()
}

// Publish implements Transport.Publish. It blocks while a subscriber's
// buffer is full.
func (t *InMemory) Publish(ctx context.Context, topic, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrClosed
	}
	for _, s := range t.hub.targets(topic) {
		select {
		case s.ch <- payload:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements Transport.Subscribe.
func (t *InMemory) Subscribe(_ context.Context, topic string, fn MessageFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.subs[topic]; ok {
		return ErrAlreadySubscribed
	}
	s := &memSubscription{ch: make(chan string, inMemoryBuffer), done: make(chan struct{})}
	t.subs[topic] = s
	go t.listen(s, fn)
	return nil
}

func (t *InMemory) listen(s *memSubscription, fn MessageFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.ch:
			select {
			case <-s.done:
				return
			default:
			}
			fn(ctx, payload)
		}
	}
}

// Unsubscribe implements Transport.Unsubscribe.
func (t *InMemory) Unsubscribe(_ context.Context, topic string) error {
	t.mu.Lock()
	s := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if s != nil {
		s.stop()
	}
	return nil
}

// Close detaches the transport from its hub and stops every listener.
func (t *InMemory) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[string]*memSubscription)
	t.mu.Unlock()

	t.hub.leave(t)
	for _, s := range subs {
		s.stop()
	}
	return nil
}

func (t *InMemory) subscription(topic string) *memSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[topic]
}

func (t *InMemory) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
