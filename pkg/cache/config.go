package cache

import "time"

// RedisOption configures the Redis cache.
type RedisOption func(*RedisConfig)

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	PoolTimeout  time.Duration
	MinIdleConns int
	Prefix       string
}

// WithRedisHost sets the Redis host.
func WithRedisHost(host string) RedisOption {
	return func(c *RedisConfig) { c.Host = host }
}

// WithRedisPort sets the Redis port.
func WithRedisPort(port int) RedisOption {
	return func(c *RedisConfig) { c.Port = port }
}

// WithRedisAuth sets password and database.
func WithRedisAuth(password string, db int) RedisOption {
	return func(c *RedisConfig) {
		c.Password = password
		c.DB = db
	}
}

// WithRedisPool sets connection pool parameters.
func WithRedisPool(size, minIdle int, timeout time.Duration) RedisOption {
	return func(c *RedisConfig) {
		c.PoolSize = size
		c.MinIdleConns = minIdle
		c.PoolTimeout = timeout
	}
}

// WithRedisPrefix sets the key namespace prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *RedisConfig) { c.Prefix = prefix }
}

// MemoryOption configures the in-memory cache.
type MemoryOption func(*MemoryConfig)

// MemoryConfig holds in-memory cache configuration.
type MemoryConfig struct {
	// MemoryBudget bounds the approximate total payload bytes held.
	MemoryBudget    int64
	CleanupInterval time.Duration
}

// WithMemoryBudget sets the approximate byte budget (default 150 MB).
func WithMemoryBudget(budget int64) MemoryOption {
	return func(c *MemoryConfig) {
		if budget > 0 {
			c.MemoryBudget = budget
		}
	}
}

// WithMemoryCleanup sets the expired-entry sweep interval.
func WithMemoryCleanup(interval time.Duration) MemoryOption {
	return func(c *MemoryConfig) { c.CleanupInterval = interval }
}
