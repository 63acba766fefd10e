package config

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mirkobrombin/go-rift/v1/cache"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Default()
	if cfg.RedisAddr != want.RedisAddr || cfg.Transport != want.Transport || cfg.LockTries != -1 ||
		cfg.LockDelay != want.LockDelay || cfg.LockUntil != want.LockUntil || cfg.CallbackTopic != "callbacks" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.CircuitThreshold != 0 || cfg.CircuitTimeout != want.CircuitTimeout ||
		cfg.CacheStrategy != want.CacheStrategy || cfg.RequestTimeout != want.RequestTimeout {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestCacheOptions(t *testing.T) {
	t.Setenv("RIFT_CACHE_STRATEGY", "lru")
	t.Setenv("RIFT_CACHE_SIZE", "1")
	t.Setenv("RIFT_CIRCUIT_THRESHOLD", "3")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CircuitThreshold != 3 {
		t.Fatalf("unexpected threshold %d", cfg.CircuitThreshold)
	}
	opts, err := cfg.CacheOptions()
	if err != nil {
		t.Fatalf("cache options: %v", err)
	}
	c, err := cache.New[string, int](opts...)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	c.Put("a", 1)
	c.Put("b", 2)
	if c.Len() != 1 {
		t.Fatalf("expected an LRU of one entry, got %d", c.Len())
	}

	t.Setenv("RIFT_CACHE_STRATEGY", "fifo")
	if _, err := Load(); !errors.Is(err, cache.ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RIFT_REDIS_ADDR", "redis:6380")
	t.Setenv("RIFT_TRANSPORT", "kafka")
	t.Setenv("RIFT_KAFKA_BROKERS", "k1:9092;k2:9092")
	t.Setenv("RIFT_LOCK_DELAY", "20ms")
	t.Setenv("RIFT_LOCK_TRIES", "5")
	t.Setenv("RIFT_IDENTITY", "node-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "redis:6380" || cfg.Transport != TransportKafka || cfg.Identity != "node-1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.LockDelay != 20*time.Millisecond || cfg.LockTries != 5 {
		t.Fatalf("unexpected lock settings %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("RIFT_TRANSPORT", "carrier-pigeon")
	if _, err := Load(); !errors.Is(err, ErrUnknownTransport) {
		t.Fatalf("expected ErrUnknownTransport, got %v", err)
	}
	t.Setenv("RIFT_TRANSPORT", "redis")
	t.Setenv("RIFT_LOCK_TRIES", "many")
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error for RIFT_LOCK_TRIES")
	}
}

func TestConfigureLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if _, err := ConfigureLogging("warn", &buf); err != nil {
		t.Fatalf("configure: %v", err)
	}
	slog.Info("rift: hidden")
	slog.Warn("rift: shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected log output %q", out)
	}
	if _, err := ConfigureLogging("loud", &buf); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
