package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
)

func newRedisTransport(t *testing.T) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr := NewRedis(client)
	t.Cleanup(func() {
		_ = tr.Close()
		_ = client.Close()
		mr.Close()
	})
	return tr
}

func newNATSTransport(t *testing.T) *NATS {
	t.Helper()
	s := natsserver.RunRandClientPortServer()
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr := NewNATS(conn)
	t.Cleanup(func() {
		_ = tr.Close()
		conn.Close()
		s.Shutdown()
	})
	return tr
}

func collect(t *testing.T) (MessageFunc, <-chan string) {
	t.Helper()
	ch := make(chan string, 16)
	return func(_ context.Context, payload string) { ch <- payload }, ch
}

func expect(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func expectNothing(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected payload %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func testTransportFlow(t *testing.T, tr Transport) {
	ctx := context.Background()
	fn, ch := collect(t)
	if err := tr.Subscribe(ctx, "topic", fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := tr.Subscribe(ctx, "topic", fn); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("expected ErrAlreadySubscribed, got %v", err)
	}
	for _, p := range []string{"a", "b", "c"} {
		if err := tr.Publish(ctx, "topic", p); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	expect(t, ch, "a")
	expect(t, ch, "b")
	expect(t, ch, "c")

	if err := tr.Publish(ctx, "other", "x"); err != nil {
		t.Fatalf("publish other: %v", err)
	}
	expectNothing(t, ch)

	if err := tr.Unsubscribe(ctx, "topic"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := tr.Publish(ctx, "topic", "late"); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	expectNothing(t, ch)

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := tr.Publish(ctx, "topic", "closed"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRedisTransport(t *testing.T) {
	testTransportFlow(t, newRedisTransport(t))
}

func TestNATSTransport(t *testing.T) {
	testTransportFlow(t, newNATSTransport(t))
}

func TestNATSSubscribeWithoutDeadline(t *testing.T) {
	tr := newNATSTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fn, ch := collect(t)
	if err := tr.Subscribe(ctx, "plain", fn); err != nil {
		t.Fatalf("subscribe with cancel-only context: %v", err)
	}
	if err := tr.Subscribe(context.Background(), "background", func(context.Context, string) {}); err != nil {
		t.Fatalf("subscribe with background context: %v", err)
	}
	if err := tr.Publish(ctx, "plain", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expect(t, ch, "hello")
}

func TestInMemoryTransport(t *testing.T) {
	testTransportFlow(t, NewInMemory())
}

func TestInMemoryHubFanOut(t *testing.T) {
	hub := NewHub()
	a, b := hub.Connect(), hub.Connect()
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	fa, cha := collect(t)
	fb, chb := collect(t)
	if err := a.Subscribe(ctx, "t", fa); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := b.Subscribe(ctx, "t", fb); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if err := a.Publish(ctx, "t", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expect(t, cha, "hello")
	expect(t, chb, "hello")

	_ = b.Close()
	if err := a.Publish(ctx, "t", "again"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expect(t, cha, "again")
	expectNothing(t, chb)
}

func TestRedisTransportContextErrors(t *testing.T) {
	tr := newRedisTransport(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Publish(ctx, "topic", "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestKafkaTransport(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	pc := consumer.ExpectConsumePartition("topic", 0, sarama.OffsetNewest)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "payload" {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})

	tr := NewKafkaFromClients(producer, consumer)
	ctx := context.Background()
	fn, ch := collect(t)
	if err := tr.Subscribe(ctx, "topic", fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := tr.Publish(ctx, "topic", "payload"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	pc.YieldMessage(&sarama.ConsumerMessage{Value: []byte("inbound")})
	expect(t, ch, "inbound")

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaTransportPublishError(t *testing.T) {
	boom := errors.New("broker down")
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(boom)
	tr := NewKafkaFromClients(producer, mocks.NewConsumer(t, nil))
	defer tr.Close()
	if err := tr.Publish(context.Background(), "topic", "x"); !errors.Is(err, boom) {
		t.Fatalf("expected broker error, got %v", err)
	}
}

type failingTransport struct {
	*InMemory
	err error
}

func (f *failingTransport) Publish(ctx context.Context, topic, payload string) error {
	if f.err != nil {
		return f.err
	}
	return f.InMemory.Publish(ctx, topic, payload)
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	ft := &failingTransport{InMemory: NewInMemory()}
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(ft, 2, timeout)
	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}
	ft.err = failErr
	if err := cb.Publish(ctx, "k", "v"); !errors.Is(err, failErr) {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}
	if err := cb.Publish(ctx, "k", "v"); !errors.Is(err, failErr) {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Publish(ctx, "k", "v"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after timeout")
	}

	ft.err = nil
	if err := cb.Publish(ctx, "k", "v"); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.failures != 0 || cb.state != stateClosed {
		t.Fatalf("expected closed circuit, got %s with %d failures", cb.state, cb.failures)
	}

	ft.err = failErr
	_ = cb.Publish(ctx, "k", "v")
	_ = cb.Publish(ctx, "k", "v")
	time.Sleep(timeout + 10*time.Millisecond)
	if err := cb.Publish(ctx, "k", "v"); !errors.Is(err, failErr) {
		t.Fatalf("expected failing probe, got %v", err)
	}
	if cb.state != stateOpen {
		t.Fatalf("failed probe should reopen the circuit, got %s", cb.state)
	}
}
