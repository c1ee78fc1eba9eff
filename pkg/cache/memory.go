package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

type itemKind int

const (
	kindString itemKind = iota
	kindHash
	kindList
	kindZSet
)

type zmember struct {
	score  float64
	member string
}

// memoryItem stores one keyed value with expiration.
type memoryItem struct {
	kind     itemKind
	str      string
	hash     map[string]string
	list     []string
	zset     []zmember
	expireAt time.Time
	size     int64
}

func (m *memoryItem) expired() bool {
	return !m.expireAt.IsZero() && time.Now().After(m.expireAt)
}

// MemoryCache implements Service in process memory. Eviction removes
// expired entries first, then least-recently-used entries, until the
// approximate payload size fits the configured budget.
type MemoryCache struct {
	mu       sync.RWMutex
	data     map[string]*memoryItem
	access   map[string]time.Time
	budget   int64
	used     int64
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates an in-memory cache.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{
		MemoryBudget:    150 * 1024 * 1024,
		CleanupInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	mc := &MemoryCache{
		data:   make(map[string]*memoryItem),
		access: make(map[string]time.Time),
		budget: cfg.MemoryBudget,
		stopCh: make(chan struct{}),
	}
	go mc.sweep(cfg.CleanupInterval)
	return mc
}

// Close stops the background sweep.
func (mc *MemoryCache) Close() error {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	return nil
}

func (mc *MemoryCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.mu.Lock()
			for key, item := range mc.data {
				if item.expired() {
					mc.remove(key)
				}
			}
			mc.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (mc *MemoryCache) remove(key string) {
	if item, ok := mc.data[key]; ok {
		mc.used -= item.size
		delete(mc.data, key)
		delete(mc.access, key)
	}
}

// store must be called with mu held.
func (mc *MemoryCache) store(key string, item *memoryItem) {
	mc.remove(key)
	mc.data[key] = item
	mc.access[key] = time.Now()
	mc.used += item.size
	for mc.used > mc.budget && len(mc.data) > 1 {
		mc.evictOne(key)
	}
}

// evictOne drops one expired entry if any exists, otherwise the LRU entry,
// never the key just written. Must be called with mu held.
func (mc *MemoryCache) evictOne(protect string) {
	for key, item := range mc.data {
		if key != protect && item.expired() {
			mc.remove(key)
			return
		}
	}
	var oldestKey string
	oldestTime := time.Now().Add(time.Hour)
	for key, accessTime := range mc.access {
		if key != protect && accessTime.Before(oldestTime) {
			oldestTime = accessTime
			oldestKey = key
		}
	}
	if oldestKey != "" {
		mc.remove(oldestKey)
	}
}

func expireAt(expiration time.Duration) time.Time {
	if expiration <= 0 {
		return time.Time{}
	}
	return time.Now().Add(expiration)
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return err
		}
		data = string(b)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.store(key, &memoryItem{
		kind:     kindString,
		str:      data,
		expireAt: expireAt(expiration),
		size:     int64(len(key) + len(data)),
	})
	return nil
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	item, ok := mc.data[key]
	if !ok || item.expired() || item.kind != kindString {
		if ok && item.expired() {
			mc.remove(key)
		}
		return ErrCacheMiss
	}
	mc.access[key] = time.Now()

	if strPtr, ok := dest.(*string); ok {
		*strPtr = item.str
		return nil
	}
	return json.Unmarshal([]byte(item.str), dest)
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, key := range keys {
		mc.remove(key)
	}
	return nil
}

func (mc *MemoryCache) Exists(_ context.Context, keys ...string) (bool, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	for _, key := range keys {
		if item, ok := mc.data[key]; ok && !item.expired() {
			return true, nil
		}
	}
	return false, nil
}

func (mc *MemoryCache) Increment(_ context.Context, key string) (int64, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	item, ok := mc.data[key]
	if !ok || item.expired() {
		mc.store(key, &memoryItem{kind: kindString, str: "1", size: int64(len(key) + 1)})
		return 1, nil
	}
	val, err := strconv.ParseInt(item.str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: increment on non-integer key %s", key)
	}
	val++
	item.str = strconv.FormatInt(val, 10)
	return val, nil
}

func (mc *MemoryCache) Expire(_ context.Context, key string, expiration time.Duration) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if item, ok := mc.data[key]; ok && !item.expired() {
		item.expireAt = expireAt(expiration)
		return true, nil
	}
	return false, nil
}

func (mc *MemoryCache) HSet(_ context.Context, key string, fields map[string]string, expiration time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	item, ok := mc.data[key]
	if !ok || item.expired() || item.kind != kindHash {
		item = &memoryItem{kind: kindHash, hash: make(map[string]string), expireAt: expireAt(expiration)}
	} else if expiration > 0 {
		item.expireAt = expireAt(expiration)
	}
	for f, v := range fields {
		item.hash[f] = v
	}
	var size int64
	for f, v := range item.hash {
		size += int64(len(f) + len(v))
	}
	item.size = size + int64(len(key))
	mc.store(key, item)
	return nil
}

func (mc *MemoryCache) HGet(_ context.Context, key, field string) (string, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	item, ok := mc.data[key]
	if !ok || item.expired() || item.kind != kindHash {
		return "", ErrCacheMiss
	}
	v, ok := item.hash[field]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (mc *MemoryCache) HGetAll(_ context.Context, key string) (map[string]string, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	item, ok := mc.data[key]
	if !ok || item.expired() || item.kind != kindHash {
		return nil, ErrCacheMiss
	}
	out := make(map[string]string, len(item.hash))
	for f, v := range item.hash {
		out[f] = v
	}
	return out, nil
}

func (mc *MemoryCache) PushTrim(_ context.Context, key string, value string, max int64) error {
	if max <= 0 {
		return fmt.Errorf("cache: push trim with non-positive cap")
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()

	item, ok := mc.data[key]
	if !ok || item.expired() || item.kind != kindList {
		item = &memoryItem{kind: kindList}
	}
	item.list = append([]string{value}, item.list...)
	if int64(len(item.list)) > max {
		item.list = item.list[:max]
	}
	var size int64
	for _, v := range item.list {
		size += int64(len(v))
	}
	item.size = size + int64(len(key))
	mc.store(key, item)
	return nil
}

func (mc *MemoryCache) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	item, ok := mc.data[key]
	if !ok || item.expired() || item.kind != kindList {
		return nil, nil
	}
	n := int64(len(item.list))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, item.list[start:stop+1])
	return out, nil
}

func (mc *MemoryCache) LLen(_ context.Context, key string) (int64, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	item, ok := mc.data[key]
	if !ok || item.expired() || item.kind != kindList {
		return 0, nil
	}
	return int64(len(item.list)), nil
}

func (mc *MemoryCache) ZAdd(_ context.Context, key string, score float64, member string, expiration time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	item, ok := mc.data[key]
	if !ok || item.expired() || item.kind != kindZSet {
		item = &memoryItem{kind: kindZSet, expireAt: expireAt(expiration)}
	} else if expiration > 0 {
		item.expireAt = expireAt(expiration)
	}
	replaced := false
	for i := range item.zset {
		if item.zset[i].member == member {
			item.zset[i].score = score
			replaced = true
			break
		}
	}
	if !replaced {
		item.zset = append(item.zset, zmember{score: score, member: member})
	}
	sort.Slice(item.zset, func(i, j int) bool { return item.zset[i].score < item.zset[j].score })
	var size int64
	for _, m := range item.zset {
		size += int64(len(m.member) + 8)
	}
	item.size = size + int64(len(key))
	mc.store(key, item)
	return nil
}

func (mc *MemoryCache) ZRange(_ context.Context, key string, start, stop int64, desc bool) ([]string, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	item, ok := mc.data[key]
	if !ok || item.expired() || item.kind != kindZSet {
		return nil, nil
	}
	members := make([]string, len(item.zset))
	for i, m := range item.zset {
		if desc {
			members[len(item.zset)-1-i] = m.member
		} else {
			members[i] = m.member
		}
	}
	n := int64(len(members))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	return members[start : stop+1], nil
}

func (mc *MemoryCache) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if item, ok := mc.data[key]; ok && !item.expired() {
		return false, nil
	}
	mc.store(key, &memoryItem{kind: kindString, str: "locked", expireAt: expireAt(ttl), size: int64(len(key) + 6)})
	return true, nil
}

func (mc *MemoryCache) Unlock(ctx context.Context, key string) error {
	return mc.Delete(ctx, key)
}
