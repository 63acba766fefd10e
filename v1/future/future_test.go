package future

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := New[int]()
	if f.Resolved() {
		t.Fatal("expected pending future")
	}
	if !f.Complete(1) {
		t.Fatal("first completion rejected")
	}
	if f.Complete(2) || f.Fail(errors.New("late")) {
		t.Fatal("second resolution accepted")
	}
	v, err := f.Await(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("expected 1, got %d err %v", v, err)
	}
}

func TestFutureAwaitContext(t *testing.T) {
	f := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestFutureThen(t *testing.T) {
	boom := errors.New("boom")
	f := New[int]()
	got := make(chan error, 1)
	f.Then(func(_ int, err error) { got <- err })
	f.Fail(boom)
	select {
	case err := <-got:
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("continuation not called")
	}

	if v, err := Completed("x").Await(context.Background()); err != nil || v != "x" {
		t.Fatalf("unexpected %q %v", v, err)
	}
	if _, err := Failed[int](boom).Await(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
