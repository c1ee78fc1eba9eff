package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrCacheMiss = errors.New("cache: key not found")
)

// Service defines the key-value store operations the platform relies on.
// Writes are atomic per key; multi-key updates are not atomic across keys.
type Service interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, keys ...string) (bool, error)
	Increment(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) (bool, error)

	// Hash operations (latest tick, indicator snapshots, pending orders).
	HSet(ctx context.Context, key string, fields map[string]string, expiration time.Duration) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Bounded list operations (candle rings, recent trades). PushTrim
	// prepends and trims to max atomically; the cap is part of the write.
	PushTrim(ctx context.Context, key string, value string, max int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// Sorted-set operations (order books keyed by price).
	ZAdd(ctx context.Context, key string, score float64, member string, expiration time.Duration) error
	ZRange(ctx context.Context, key string, start, stop int64, desc bool) ([]string, error)

	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// GetTyped retrieves key and unmarshals the stored JSON into T.
func GetTyped[T any](ctx context.Context, c Service, key string) (*T, error) {
	var raw string
	if err := c.Get(ctx, key, &raw); err != nil {
		return nil, err
	}
	var obj T
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}
