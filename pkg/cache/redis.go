package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Service using Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis cache client and verifies connectivity.
func NewRedisCache(opts ...RedisOption) (*RedisCache, error) {
	cfg := &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
		MinIdleConns: 5,
		Prefix:       "qbtrade",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		PoolTimeout:  cfg.PoolTimeout,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{client: client, prefix: cfg.Prefix}, nil
}

// Client returns the underlying redis client.
func (c *RedisCache) Client() *redis.Client { return c.client }

// Close closes the Redis connection.
func (c *RedisCache) Close() error { return c.client.Close() }

func (c *RedisCache) wrapKey(key string) string {
	return fmt.Sprintf("%s:%s", c.prefix, key)
}

func (c *RedisCache) wrapKeys(keys ...string) []string {
	wrapped := make([]string, len(keys))
	for i, key := range keys {
		wrapped[i] = c.wrapKey(key)
	}
	return wrapped
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	key = c.wrapKey(key)

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(value)
		if err != nil {
			return err
		}
	}
	return c.client.Set(ctx, key, data, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	key = c.wrapKey(key)

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	if strPtr, ok := dest.(*string); ok {
		*strPtr = string(data)
		return nil
	}
	return json.Unmarshal(data, dest)
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	return c.client.Unlink(ctx, c.wrapKeys(keys...)...).Err()
}

func (c *RedisCache) Exists(ctx context.Context, keys ...string) (bool, error) {
	result, err := c.client.Exists(ctx, c.wrapKeys(keys...)...).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

func (c *RedisCache) Increment(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, c.wrapKey(key)).Result()
}

func (c *RedisCache) Expire(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	return c.client.Expire(ctx, c.wrapKey(key), expiration).Result()
}

func (c *RedisCache) HSet(ctx context.Context, key string, fields map[string]string, expiration time.Duration) error {
	key = c.wrapKey(key)
	if len(fields) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(fields))
	for f, v := range fields {
		args[f] = v
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, args)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.client.HGet(ctx, c.wrapKey(key), field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return v, nil
}

func (c *RedisCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.client.HGetAll(ctx, c.wrapKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrCacheMiss
	}
	return m, nil
}

// PushTrim prepends value and trims to max in one transaction so the ring
// cap is enforced as part of the write.
func (c *RedisCache) PushTrim(ctx context.Context, key string, value string, max int64) error {
	if max <= 0 {
		return fmt.Errorf("cache: push trim with non-positive cap")
	}
	key = c.wrapKey(key)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, max-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.client.LRange(ctx, c.wrapKey(key), start, stop).Result()
}

func (c *RedisCache) LLen(ctx context.Context, key string) (int64, error) {
	return c.client.LLen(ctx, c.wrapKey(key)).Result()
}

func (c *RedisCache) ZAdd(ctx context.Context, key string, score float64, member string, expiration time.Duration) error {
	key = c.wrapKey(key)
	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) ZRange(ctx context.Context, key string, start, stop int64, desc bool) ([]string, error) {
	if desc {
		return c.client.ZRevRange(ctx, c.wrapKey(key), start, stop).Result()
	}
	return c.client.ZRange(ctx, c.wrapKey(key), start, stop).Result()
}

func (c *RedisCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.wrapKey(key), "locked", ttl).Result()
}

func (c *RedisCache) Unlock(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.wrapKey(key)).Err()
}
