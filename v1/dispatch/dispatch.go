// Package dispatch routes decoded packets to the handlers registered for
// their topic and kind.
//
// Subscribers declare their handlers explicitly:
//
//	func (s *Locations) Topic() string { return "locations" }
//
//	func (s *Locations) Handlers() dispatch.HandlerSet {
//		return dispatch.HandlerSet{
//			"demo.location.request": dispatch.Reply(s.locate),
//		}
//	}
//
// A handler that returns a packet answers the request it was given; the
// dispatcher hands the answer to its ReplyFunc, which the broker wires to
// publish on the callbacks topic.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/mirkobrombin/go-rift/v1/future"
	"github.com/mirkobrombin/go-rift/v1/metrics"
	"github.com/mirkobrombin/go-rift/v1/packet"
)

var (
	// ErrDuplicateSubscription is returned when a different instance of an
	// already registered subscriber type is registered on the same topic.
	ErrDuplicateSubscription = errors.New("dispatch: subscriber type already registered on topic")
	// ErrNoReplyFunc is reported when a handler returns a reply but the
	// dispatcher has nowhere to send it.
	ErrNoReplyFunc = errors.New("dispatch: no reply function configured")
	// ErrUnexpectedPacket is returned by typed handlers given a packet of
	// another Go type than the one they expect.
	ErrUnexpectedPacket = errors.New("dispatch: unexpected packet type")
	// ErrReplyTimeout fails a handler future that did not resolve within the
	// reply timeout.
	ErrReplyTimeout = errors.New("dispatch: asynchronous reply timed out")
)

// DefaultReplyTimeout bounds how long the dispatcher waits on a handler
// future.
const DefaultReplyTimeout = 30 * time.Second

// Handler processes one packet. It may return a packet.Packet to reply to
// the request, a *future.Future[packet.Packet] to reply later, or nil. A
// returned future must resolve; one still pending after the reply timeout is
// failed with ErrReplyTimeout.
type Handler func(ctx context.Context, p packet.Packet) (any, error)

// HandlerSet maps packet kinds to handlers.
type HandlerSet map[string]Handler

// Subscriber groups the handlers of one topic.
type Subscriber interface {
	Topic() string
	Handlers() HandlerSet
}

// ReplyFunc sends reply as the answer to request.
type ReplyFunc func(ctx context.Context, request, reply packet.Packet) error

// DispatchError describes a failed handler invocation.
type DispatchError struct {
	Topic      string
	Kind       string
	Subscriber string
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("rift: dispatch %s on topic %q to %s: %v", e.Kind, e.Topic, e.Subscriber, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type binding struct {
	sub     Subscriber
	name    string
	handler Handler
}

// Dispatcher is a registry of subscribers keyed by topic and packet kind.
// It is safe for concurrent use.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[string]map[string][]binding
	subs   map[string]map[reflect.Type]Subscriber

	reply        ReplyFunc
	onError      func(error)
	replyTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReplyFunc sets the function receiving handler replies.
func WithReplyFunc(fn ReplyFunc) Option {
	return func(d *Dispatcher) { d.reply = fn }
}

// WithErrorHook sets the function receiving errors from asynchronous
// replies. The default logs them.
func WithErrorHook(fn func(error)) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.onError = fn
		}
	}
}

// WithReplyTimeout bounds how long a handler future may stay pending. A
// non-positive d waits forever.
func WithReplyTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.replyTimeout = timeout }
}

// New returns an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		routes: make(map[string]map[string][]binding),
		subs:   make(map[string]map[reflect.Type]Subscriber),
		onError: func(err error) {
			slog.Error("rift: asynchronous reply failed", "err", err)
		},
		replyTimeout: DefaultReplyTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetReplyFunc replaces the reply function.
func (d *Dispatcher) SetReplyFunc(fn ReplyFunc) {
	d.mu.Lock()
	d.reply = fn
	d.mu.Unlock()
}

// Subscribe registers every handler of sub under sub.Topic() and returns the
// kinds bound, sorted. Registering the same instance twice is a no-op.
func (d *Dispatcher) Subscribe(sub Subscriber) ([]string, error) {
	topic := sub.Topic()
	handlers := sub.Handlers()
	typ := reflect.TypeOf(sub)

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.subs[topic][typ]; ok {
		if sameInstance(existing, sub) {
			return kindsOf(handlers), nil
		}
		return nil, fmt.Errorf("%w: %s on %q", ErrDuplicateSubscription, typ, topic)
	}

	if d.subs[topic] == nil {
		d.subs[topic] = make(map[reflect.Type]Subscriber)
	}
	d.subs[topic][typ] = sub

	kinds := kindsOf(handlers)
	if len(kinds) > 0 && d.routes[topic] == nil {
		d.routes[topic] = make(map[string][]binding)
	}
	name := typ.String()
	for _, kind := range kinds {
		d.routes[topic][kind] = append(d.routes[topic][kind], binding{sub: sub, name: name, handler: handlers[kind]})
	}
	return kinds, nil
}

// Unsubscribe removes every binding of sub and reports whether it was
// registered.
func (d *Dispatcher) Unsubscribe(sub Subscriber) bool {
	topic := sub.Topic()
	typ := reflect.TypeOf(sub)

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.subs[topic][typ]
	if !ok || !sameInstance(existing, sub) {
		return false
	}
	delete(d.subs[topic], typ)
	if len(d.subs[topic]) == 0 {
		delete(d.subs, topic)
	}
	for kind, bs := range d.routes[topic] {
		kept := bs[:0]
		for _, b := range bs {
			if reflect.TypeOf(b.sub) != typ {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(d.routes[topic], kind)
		} else {
			d.routes[topic][kind] = kept
		}
	}
	if len(d.routes[topic]) == 0 {
		delete(d.routes, topic)
	}
	return true
}

// HasSubscribers reports whether any subscriber is registered on topic.
func (d *Dispatcher) HasSubscribers(topic string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[topic]) > 0
}

// Topics returns the topics with at least one subscriber, sorted.
func (d *Dispatcher) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.subs))
	for t := range d.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch invokes, in registration order, every handler bound to topic and
// the kind of p. All handlers run even if some fail; their errors are
// returned joined, each as a *DispatchError. A packet nobody handles is
// ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, p packet.Packet, topic string) error {
	kind := p.Kind()
	d.mu.RLock()
	bs := append([]binding(nil), d.routes[topic][kind]...)
	reply := d.reply
	d.mu.RUnlock()

	var errs []error
	for _, b := range bs {
		res, err := invoke(ctx, b.handler, p)
		if err == nil {
			err = d.promote(ctx, reply, p, res, topic, b.name)
		}
		if err != nil {
			metrics.DispatchErrorCounter.Inc()
			errs = append(errs, &DispatchError{Topic: topic, Kind: kind, Subscriber: b.name, Err: err})
		}
	}
	return errors.Join(errs...)
}

func invoke(ctx context.Context, h Handler, p packet.Packet) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, p)
}

func (d *Dispatcher) promote(ctx context.Context, reply ReplyFunc, req packet.Packet, res any, topic, name string) error {
	if isNil(res) {
		return nil
	}
	switch r := res.(type) {
	case packet.Packet:
		return send(ctx, reply, req, r)
	case *future.Future[packet.Packet]:
		actx := context.WithoutCancel(ctx)
		var timer *time.Timer
		if d.replyTimeout > 0 {
			timer = time.AfterFunc(d.replyTimeout, func() { r.Fail(ErrReplyTimeout) })
		}
		r.Then(func(v packet.Packet, err error) {
			if timer != nil {
				timer.Stop()
			}
			if err == nil && !isNil(v) {
				err = send(actx, reply, req, v)
			}
			if err != nil {
				metrics.DispatchErrorCounter.Inc()
				d.onError(&DispatchError{Topic: topic, Kind: req.Kind(), Subscriber: name, Err: err})
			}
		})
	}
	return nil
}

func send(ctx context.Context, reply ReplyFunc, req, resp packet.Packet) error {
	if reply == nil {
		return ErrNoReplyFunc
	}
	if resp.Target() == "" {
		resp.SetTarget(packet.CorrelationID(req))
	}
	return reply(ctx, req, resp)
}

func kindsOf(hs HandlerSet) []string {
	out := make([]string, 0, len(hs))
	for k, h := range hs {
		if h != nil {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sameInstance(a, b Subscriber) bool {
	if !reflect.TypeOf(a).Comparable() {
		return false
	}
	return a == b
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
