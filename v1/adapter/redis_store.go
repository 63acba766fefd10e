package adapter

import (
	"context"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	rifterrors "github.com/mirkobrombin/go-rift/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// ErrNotInteger is returned by Incr and Decr when the stored value is not
// an integer.
var ErrNotInteger = errors.New("adapter: value is not an integer")

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var expireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIREAT", KEYS[1], ARGV[2])
else
    return 0
end
`)

// RedisStore implements Store using a Redis backend.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() redis.UniversalClient { return s.client }

func (s *RedisStore) op(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, rifterrors.FromRedis(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// Get implements KeyValue.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, rifterrors.FromRedis(err)
	}
	return v, true, nil
}

// Set implements KeyValue.Set.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.SetTTL(ctx, key, value, 0)
}

// SetTTL implements KeyValue.SetTTL.
func (s *RedisStore) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return rifterrors.FromRedis(s.client.Set(cctx, key, value, ttl).Err())
}

// SetNX implements KeyValue.SetNX.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	return ok, rifterrors.FromRedis(err)
}

// Delete implements KeyValue.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := s.client.Del(cctx, key).Result()
	return n > 0, rifterrors.FromRedis(err)
}

// CompareAndDelete implements KeyValue.CompareAndDelete with a Lua script so
// the check and the delete are atomic.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := delScript.Run(cctx, s.client, []string{key}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	return n > 0, rifterrors.FromRedis(err)
}

// ExpireAt implements KeyValue.ExpireAt with millisecond precision.
func (s *RedisStore) ExpireAt(ctx context.Context, key string, at time.Time) (bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.PExpireAt(cctx, key, at).Result()
	return ok, rifterrors.FromRedis(err)
}

// CompareAndExpireAt implements KeyValue.CompareAndExpireAt with a Lua
// script so the ownership check and the expiry are atomic.
func (s *RedisStore) CompareAndExpireAt(ctx context.Context, key, expected string, at time.Time) (bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := expireScript.Run(cctx, s.client, []string{key}, expected, at.UnixMilli()).Int64()
	if err == redis.Nil {
		return false, nil
	}
	return n > 0, rifterrors.FromRedis(err)
}

// TTL implements KeyValue.TTL.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return 0, false, err
	}
	defer cancel()
	d, err := s.client.PTTL(cctx, key).Result()
	if err != nil {
		return 0, false, rifterrors.FromRedis(err)
	}
	switch {
	case d == -2 || d == -2*time.Millisecond:
		return 0, false, nil
	case d < 0:
		return 0, true, nil
	}
	return d, true, nil
}

// Incr implements KeyValue.Incr.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.Incr(cctx, key).Result()
	return n, s.mapIntErr(err)
}

// Decr implements KeyValue.Decr.
func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.Decr(cctx, key).Result()
	return n, s.mapIntErr(err)
}

func (s *RedisStore) mapIntErr(err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) && strings.Contains(rerr.Error(), "not an integer") {
		return ErrNotInteger
	}
	return rifterrors.FromRedis(err)
}

// Exists implements KeyValue.Exists.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := s.client.Exists(cctx, key).Result()
	return n > 0, rifterrors.FromRedis(err)
}

// HSet implements Hash.HSet.
func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return rifterrors.FromRedis(s.client.HSet(cctx, key, field, value).Err())
}

// HGet implements Hash.HGet.
func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.HGet(cctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, rifterrors.FromRedis(err)
	}
	return v, true, nil
}

// HDel implements Hash.HDel.
func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.HDel(cctx, key, fields...).Result()
	return n, rifterrors.FromRedis(err)
}

// HGetAll implements Hash.HGetAll.
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	m, err := s.client.HGetAll(cctx, key).Result()
	if err != nil {
		return nil, rifterrors.FromRedis(err)
	}
	return m, nil
}

// HLen implements Hash.HLen.
func (s *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.HLen(cctx, key).Result()
	return n, rifterrors.FromRedis(err)
}
