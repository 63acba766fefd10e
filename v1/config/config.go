// Package config loads client settings from the environment and sets up
// logging.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/mirkobrombin/go-rift/v1/cache"
)

// Transport names accepted in RIFT_TRANSPORT.
const (
	TransportRedis = "redis"
	TransportNATS  = "nats"
	TransportKafka = "kafka"
)

// ErrUnknownTransport is returned for an unsupported RIFT_TRANSPORT value.
var ErrUnknownTransport = errors.New("config: unknown transport")

// Config holds client settings. Defaults are provided via struct tags.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: RIFT_REDIS_ADDR
	RedisAddr     string `env:"RIFT_REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"RIFT_REDIS_PASSWORD"`
	RedisDB       int    `env:"RIFT_REDIS_DB,default=0"`

	// Identity names this process on the bus. Empty means hostname:pid plus
	// a random suffix.
	Identity string `env:"RIFT_IDENTITY"`

	// Transport carrying packets: redis, nats or kafka.
	Transport string `env:"RIFT_TRANSPORT,default=redis"`
	NATSURL   string `env:"RIFT_NATS_URL,default=nats://127.0.0.1:4222"`
	// KafkaBrokers is a ';' separated list.
	KafkaBrokers  []string `env:"RIFT_KAFKA_BROKERS,default=localhost:9092"`
	CallbackTopic string   `env:"RIFT_CALLBACK_TOPIC,default=callbacks"`
	// RequestTimeout bounds requests made without a deadline. Zero or less
	// disables it.
	RequestTimeout time.Duration `env:"RIFT_REQUEST_TIMEOUT,default=30s"`

	LockDelay time.Duration `env:"RIFT_LOCK_DELAY,default=150ms"`
	LockUntil time.Duration `env:"RIFT_LOCK_UNTIL,default=3s"`
	LockTries int           `env:"RIFT_LOCK_TRIES,default=-1"`

	// CircuitThreshold opens the transport circuit after that many
	// consecutive publish failures. Zero disables the breaker.
	CircuitThreshold int           `env:"RIFT_CIRCUIT_THRESHOLD,default=0"`
	CircuitTimeout   time.Duration `env:"RIFT_CIRCUIT_TIMEOUT,default=5s"`

	// CacheStrategy of cached maps: unbounded, lru or lfu.
	CacheStrategy string `env:"RIFT_CACHE_STRATEGY,default=unbounded"`
	CacheSize     int    `env:"RIFT_CACHE_SIZE,default=0"`

	LogLevel string `env:"RIFT_LOG_LEVEL,default=info"`
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		Transport:      TransportRedis,
		NATSURL:        "nats://127.0.0.1:4222",
		KafkaBrokers:   []string{"localhost:9092"},
		CallbackTopic:  "callbacks",
		RequestTimeout: 30 * time.Second,
		LockDelay:      150 * time.Millisecond,
		LockUntil:      3 * time.Second,
		LockTries:      -1,
		CircuitTimeout: 5 * time.Second,
		CacheStrategy:  "unbounded",
		LogLevel:       "info",
	}
}

// Load decodes the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values envdecode cannot.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportRedis, TransportNATS, TransportKafka:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport)
	}
	if c.LockUntil <= 0 {
		return fmt.Errorf("config: RIFT_LOCK_UNTIL must be positive, got %s", c.LockUntil)
	}
	if c.LockTries < -1 {
		return fmt.Errorf("config: RIFT_LOCK_TRIES must be -1 or more, got %d", c.LockTries)
	}
	if c.CircuitThreshold < 0 {
		return fmt.Errorf("config: RIFT_CIRCUIT_THRESHOLD must not be negative, got %d", c.CircuitThreshold)
	}
	if _, err := cache.ParseStrategy(c.CacheStrategy); err != nil {
		return fmt.Errorf("config: RIFT_CACHE_STRATEGY: %w", err)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("config: RIFT_CACHE_SIZE must not be negative, got %d", c.CacheSize)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// CacheOptions returns the cache factory options selected by CacheStrategy
// and CacheSize.
func (c Config) CacheOptions() ([]cache.Option, error) {
	s, err := cache.ParseStrategy(c.CacheStrategy)
	if err != nil {
		return nil, fmt.Errorf("config: RIFT_CACHE_STRATEGY: %w", err)
	}
	return []cache.Option{cache.WithStrategy(s), cache.WithSize(c.CacheSize)}, nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log level %q: %w", s, err)
	}
	return l, nil
}

// ConfigureLogging installs a text handler writing to w, os.Stderr when
// nil, as the default slog logger and returns it.
func ConfigureLogging(level string, w io.Writer) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger, nil
}
