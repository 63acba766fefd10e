package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-rift/v1/adapter"
	rifterrors "github.com/mirkobrombin/go-rift/v1/errors"
)

// newRedisStoreWithServer returns a Redis-backed store along with the
// underlying miniredis server for tests that need to manipulate the server
// state.
func newRedisStoreWithServer(t *testing.T) (*adapter.RedisStore, context.Context, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return adapter.NewRedisStore(client), ctx, mr
}

func TestRedisStore(t *testing.T) {
	s, _, _ := newRedisStoreWithServer(t)
	testStore(t, s)
}

func TestRedisStoreLeaseExpiry(t *testing.T) {
	s, ctx, mr := newRedisStoreWithServer(t)
	if ok, err := s.SetNX(ctx, "lease", "owner", time.Second); err != nil || !ok {
		t.Fatalf("SetNX: %v err %v", ok, err)
	}
	mr.FastForward(2 * time.Second)
	if ok, err := s.Exists(ctx, "lease"); err != nil || ok {
		t.Fatalf("expected lease to expire, got %v err %v", ok, err)
	}
	if _, ok, err := s.TTL(ctx, "lease"); err != nil || ok {
		t.Fatalf("TTL on expired key: ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreTimeout(t *testing.T) {
	s, _, _ := newRedisStoreWithServer(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if err := s.Set(ctx, "k", "v"); !errors.Is(err, rifterrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRedisStoreServerDown(t *testing.T) {
	s, ctx, mr := newRedisStoreWithServer(t)
	mr.Close()
	if _, _, err := s.Get(ctx, "k"); err == nil {
		t.Fatal("expected error with server down")
	}
}
