package tap

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-rift/v1/transport"
)

func newTap(t *testing.T) (*Tap, *transport.InMemory) {
	t.Helper()
	hub := transport.NewHub()
	tp := New(hub.Connect(), WithBuffer(4))
	pub := hub.Connect()
	t.Cleanup(func() {
		_ = tp.Close()
		_ = pub.Close()
	})
	return tp, pub
}

func waitWatchers(t *testing.T, tp *Tap, topic string, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if tp.Watchers(topic) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d watchers on %s, got %d", n, topic, tp.Watchers(topic))
}

func receive(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	select {
	case msg := <-ch:
		return string(msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return ""
	}
}

func TestWatchFanOut(t *testing.T) {
	tp, pub := newTap(t)
	ctx := context.Background()
	a, err := tp.Watch(ctx, "news")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	b, err := tp.Watch(ctx, "news")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := pub.Publish(ctx, "news", "frame-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := receive(t, a); got != "frame-1" {
		t.Fatalf("unexpected frame %q", got)
	}
	if got := receive(t, b); got != "frame-1" {
		t.Fatalf("unexpected frame %q", got)
	}

	if err := tp.Unwatch(ctx, "news", a); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-a; ok {
		t.Fatal("expected closed channel after unwatch")
	}
	if tp.Watchers("news") != 1 {
		t.Fatalf("expected one watcher left, got %d", tp.Watchers("news"))
	}
}

func TestWatchEndsWithContext(t *testing.T) {
	tp, _ := newTap(t)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := tp.Watch(ctx, "news"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	waitWatchers(t, tp, "news", 0)
}

func TestWatchAfterClose(t *testing.T) {
	tp, _ := newTap(t)
	ch, err := tp.Watch(context.Background(), "news")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := tp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after close")
	}
	if _, err := tp.Watch(context.Background(), "news"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSSEHandlerStream(t *testing.T) {
	tp, pub := newTap(t)
	srv := httptest.NewServer(SSEHandler(tp))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?topic=news")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	waitWatchers(t, tp, "news", 1)

	if err := pub.Publish(context.Background(), "news", `{"kind":"k"}`); err != nil {
		t.Fatalf("publish: %v", err)
	}
	reader := bufio.NewReader(resp.Body)
	for _, want := range []string{"id: 1", "event: frame", `data: {"kind":"k"}`} {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.TrimSpace(line) != want {
			t.Fatalf("expected %q, got %q", want, line)
		}
	}
}

func TestSSEHandlerMissingTopic(t *testing.T) {
	tp, _ := newTap(t)
	srv := httptest.NewServer(SSEHandler(tp))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerDisconnectUnwatches(t *testing.T) {
	tp, _ := newTap(t)
	srv := httptest.NewServer(SSEHandler(tp))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?topic=news", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	waitWatchers(t, tp, "news", 1)
	cancel()
	resp.Body.Close()
	waitWatchers(t, tp, "news", 0)
}

func TestWebSocketHandlerStream(t *testing.T) {
	tp, pub := newTap(t)
	srv := httptest.NewServer(WebSocketHandler(tp))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topic=news"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitWatchers(t, tp, "news", 1)

	if err := pub.Publish(context.Background(), "news", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("unexpected %s", msg)
	}
}

func TestWebSocketHandlerMissingTopic(t *testing.T) {
	tp, _ := newTap(t)
	srv := httptest.NewServer(WebSocketHandler(tp))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}

func TestWebSocketHandlerPeerCloseUnwatches(t *testing.T) {
	tp, _ := newTap(t)
	srv := httptest.NewServer(WebSocketHandler(tp))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topic=news"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitWatchers(t, tp, "news", 1)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitWatchers(t, tp, "news", 0)
}
