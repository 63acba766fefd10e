package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-rift/v1/future"
	"github.com/mirkobrombin/go-rift/v1/packet"
)

type pingPacket struct {
	packet.Envelope
	N int
}

func (*pingPacket) Kind() string { return "test.ping" }

type pongPacket struct {
	packet.Envelope
	N int
}

func (*pongPacket) Kind() string { return "test.pong" }

type recorder struct {
	topic string
	mu    sync.Mutex
	pings []int
	pongs []int
}

func (r *recorder) Topic() string { return r.topic }

func (r *recorder) Handlers() HandlerSet {
	return HandlerSet{
		"test.ping": On(func(_ context.Context, p *pingPacket) error {
			r.mu.Lock()
			r.pings = append(r.pings, p.N)
			r.mu.Unlock()
			return nil
		}),
		"test.pong": On(func(_ context.Context, p *pongPacket) error {
			r.mu.Lock()
			r.pongs = append(r.pongs, p.N)
			r.mu.Unlock()
			return nil
		}),
	}
}

type echo struct{}

func (echo) Topic() string { return "echo" }

func (echo) Handlers() HandlerSet {
	return HandlerSet{
		"test.ping": Reply(func(_ context.Context, p *pingPacket) (*pongPacket, error) {
			return &pongPacket{N: p.N * 2}, nil
		}),
	}
}

type failing struct {
	err   error
	panic bool
}

func (*failing) Topic() string { return "echo" }

func (f *failing) Handlers() HandlerSet {
	return HandlerSet{
		"test.ping": func(context.Context, packet.Packet) (any, error) {
			if f.panic {
				panic("boom")
			}
			return nil, f.err
		},
	}
}

func TestDispatchRoutesByTopicAndKind(t *testing.T) {
	d := New()
	a := &recorder{topic: "a"}
	b := &recorder{topic: "b"}
	kinds, err := d.Subscribe(a)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != "test.ping" || kinds[1] != "test.pong" {
		t.Fatalf("unexpected kinds %v", kinds)
	}
	if _, err := d.Subscribe(b); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := context.Background()
	if err := d.Dispatch(ctx, &pingPacket{N: 1}, "a"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, &pongPacket{N: 2}, "b"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, &pingPacket{N: 3}, "nobody"); err != nil {
		t.Fatalf("dispatch to unknown topic: %v", err)
	}

	if len(a.pings) != 1 || a.pings[0] != 1 || len(a.pongs) != 0 {
		t.Fatalf("unexpected deliveries to a: %v %v", a.pings, a.pongs)
	}
	if len(b.pongs) != 1 || b.pongs[0] != 2 || len(b.pings) != 0 {
		t.Fatalf("unexpected deliveries to b: %v %v", b.pings, b.pongs)
	}
}

func TestSubscribeSameInstanceIsIdempotent(t *testing.T) {
	d := New()
	r := &recorder{topic: "a"}
	if _, err := d.Subscribe(r); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := d.Subscribe(r); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if err := d.Dispatch(context.Background(), &pingPacket{N: 1}, "a"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(r.pings) != 1 {
		t.Fatalf("expected a single delivery, got %d", len(r.pings))
	}
	if _, err := d.Subscribe(&recorder{topic: "a"}); !errors.Is(err, ErrDuplicateSubscription) {
		t.Fatalf("expected ErrDuplicateSubscription, got %v", err)
	}
	if _, err := d.Subscribe(&recorder{topic: "b"}); err != nil {
		t.Fatalf("same type on another topic: %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	d := New()
	r := &recorder{topic: "a"}
	_, _ = d.Subscribe(r)
	if !d.HasSubscribers("a") {
		t.Fatal("expected subscribers on a")
	}
	if d.Unsubscribe(&recorder{topic: "a"}) {
		t.Fatal("unsubscribed a different instance")
	}
	if !d.Unsubscribe(r) {
		t.Fatal("expected unsubscribe to succeed")
	}
	if d.HasSubscribers("a") || len(d.Topics()) != 0 {
		t.Fatal("bindings left after unsubscribe")
	}
	_ = d.Dispatch(context.Background(), &pingPacket{N: 1}, "a")
	if len(r.pings) != 0 {
		t.Fatal("handler invoked after unsubscribe")
	}
}

func TestDispatchPromotesReply(t *testing.T) {
	var got []packet.Packet
	d := New(WithReplyFunc(func(_ context.Context, req, reply packet.Packet) error {
		got = append(got, reply)
		return nil
	}))
	if _, err := d.Subscribe(echo{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	req := &pingPacket{N: 21}
	req.SetSource("node")
	req.SetReplyTo("node:1")
	if err := d.Dispatch(context.Background(), req, "echo"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one reply, got %d", len(got))
	}
	pong, ok := got[0].(*pongPacket)
	if !ok || pong.N != 42 {
		t.Fatalf("unexpected reply %#v", got[0])
	}
	if pong.Target() != "node:1" {
		t.Fatalf("expected reply targeted at node:1, got %q", pong.Target())
	}
}

func TestDispatchWithoutReplyFunc(t *testing.T) {
	d := New()
	_, _ = d.Subscribe(echo{})
	err := d.Dispatch(context.Background(), &pingPacket{N: 1}, "echo")
	if !errors.Is(err, ErrNoReplyFunc) {
		t.Fatalf("expected ErrNoReplyFunc, got %v", err)
	}
}

func TestDispatchCollectsErrors(t *testing.T) {
	boom := errors.New("handler failed")
	var replies int
	d := New(WithReplyFunc(func(context.Context, packet.Packet, packet.Packet) error {
		replies++
		return nil
	}))
	_, _ = d.Subscribe(&failing{err: boom})
	_, _ = d.Subscribe(echo{})

	err := d.Dispatch(context.Background(), &pingPacket{N: 1}, "echo")
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	var derr *DispatchError
	if !errors.As(err, &derr) || derr.Topic != "echo" || derr.Kind != "test.ping" {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if replies != 1 {
		t.Fatalf("later handler should still run, got %d replies", replies)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	d := New()
	_, _ = d.Subscribe(&failing{panic: true})
	err := d.Dispatch(context.Background(), &pingPacket{}, "echo")
	var derr *DispatchError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DispatchError from panic, got %v", err)
	}
}

func TestTypedHandlerRejectsOtherTypes(t *testing.T) {
	h := On(func(context.Context, *pingPacket) error { return nil })
	if _, err := h(context.Background(), &pongPacket{}); !errors.Is(err, ErrUnexpectedPacket) {
		t.Fatalf("expected ErrUnexpectedPacket, got %v", err)
	}
}

type asyncEcho struct {
	result *future.Future[*pongPacket]
}

func (*asyncEcho) Topic() string { return "async" }

func (a *asyncEcho) Handlers() HandlerSet {
	return HandlerSet{
		"test.ping": ReplyAsync(func(context.Context, *pingPacket) (*future.Future[*pongPacket], error) {
			return a.result, nil
		}),
	}
}

func TestDispatchPromotesFutureReply(t *testing.T) {
	replies := make(chan packet.Packet, 1)
	errs := make(chan error, 1)
	d := New(
		WithReplyFunc(func(_ context.Context, _, reply packet.Packet) error {
			replies <- reply
			return nil
		}),
		WithErrorHook(func(err error) { errs <- err }),
	)

	ok := &asyncEcho{result: future.New[*pongPacket]()}
	_, _ = d.Subscribe(ok)
	if err := d.Dispatch(context.Background(), &pingPacket{}, "async"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ok.result.Complete(&pongPacket{N: 7})
	select {
	case r := <-replies:
		if r.(*pongPacket).N != 7 {
			t.Fatalf("unexpected reply %#v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("asynchronous reply not sent")
	}

	d.Unsubscribe(ok)
	bad := &asyncEcho{result: future.New[*pongPacket]()}
	_, _ = d.Subscribe(bad)
	if err := d.Dispatch(context.Background(), &pingPacket{}, "async"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	boom := errors.New("async failure")
	bad.result.Fail(boom)
	select {
	case err := <-errs:
		if !errors.Is(err, boom) {
			t.Fatalf("expected async failure, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("asynchronous failure not reported")
	}
}

func TestDispatchTimesOutUnresolvedFuture(t *testing.T) {
	errs := make(chan error, 1)
	d := New(
		WithReplyFunc(func(context.Context, packet.Packet, packet.Packet) error {
			t.Error("reply sent for a future that never resolved")
			return nil
		}),
		WithErrorHook(func(err error) { errs <- err }),
		WithReplyTimeout(20*time.Millisecond),
	)
	stuck := &asyncEcho{result: future.New[*pongPacket]()}
	_, _ = d.Subscribe(stuck)
	if err := d.Dispatch(context.Background(), &pingPacket{}, "async"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrReplyTimeout) {
			t.Fatalf("expected ErrReplyTimeout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("unresolved future never timed out")
	}
	// Late resolution of the handler's own future is ignored.
	stuck.result.Complete(&pongPacket{N: 1})
	time.Sleep(20 * time.Millisecond)
}
