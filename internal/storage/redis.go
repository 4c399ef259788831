package storage

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default configuration values for the Redis connection pool.
const (
	DefaultPoolSize      = 10
	DefaultMinIdleConns  = 3
	DefaultDialTimeout   = 5 * time.Second
	DefaultReadTimeout   = 3 * time.Second
	DefaultWriteTimeout  = 3 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 100 * time.Millisecond
	DefaultMaxRetryDelay = 500 * time.Millisecond
)

// RedisConfig holds the configuration for the Redis storage backend.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (empty for no auth).
	Password string
	// DB is the Redis database number.
	DB int

	// PoolSize is the maximum number of connections in the pool.
	PoolSize int
	// MinIdleConns is the minimum number of idle connections to maintain.
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration
	// ReadTimeout is the timeout for read operations.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for write operations.
	WriteTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed commands.
	MaxRetries int
	// RetryDelay is the base delay between retries.
	RetryDelay time.Duration
	// MaxRetryDelay is the maximum delay between retries.
	MaxRetryDelay time.Duration
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		Password:      "",
		DB:            0,
		PoolSize:      DefaultPoolSize,
		MinIdleConns:  DefaultMinIdleConns,
		DialTimeout:   DefaultDialTimeout,
		ReadTimeout:   DefaultReadTimeout,
		WriteTimeout:  DefaultWriteTimeout,
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
	}
}

// RedisStore implements the WindowStore interface using Redis.
type RedisStore struct {
	client  *redis.Client
	scripts *scriptLoader
	mu      sync.RWMutex
	closed  bool

	// now is overridable in tests.
	now func() time.Time
}

// NewRedisStore creates a new Redis-backed window store.
// It validates the connection by sending a PING command.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.RetryDelay,
		MaxRetryBackoff: cfg.MaxRetryDelay,
	})

	// Validate the connection.
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to connect to %s: %w", cfg.Addr, err)
	}

	rs := &RedisStore{
		client:  client,
		scripts: newScriptLoader(client),
		now:     time.Now,
	}

	// Pre-load Lua scripts into Redis script cache.
	if err := rs.scripts.LoadAll(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to load Lua scripts: %w", err)
	}

	log.Printf("redis: connected to %s (pool_size=%d, min_idle=%d)",
		cfg.Addr, cfg.PoolSize, cfg.MinIdleConns)

	return rs, nil
}

// CheckSlidingWindow runs the sliding-window-log admission script for key.
func (rs *RedisStore) CheckSlidingWindow(ctx context.Context, key string, limit int64, window time.Duration) (Result, error) {
	if key == "" {
		return Result{}, fmt.Errorf("redis: key is required")
	}
	if limit <= 0 {
		return Result{}, fmt.Errorf("redis: limit must be greater than 0")
	}
	windowSec := int64(window / time.Second)
	if windowSec <= 0 {
		return Result{}, fmt.Errorf("redis: window must be at least one second")
	}

	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.closed {
		return Result{}, ErrStorageClosed
	}

	now := rs.now()
	nowSec := strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', 6, 64)

	raw, err := rs.scripts.slidingWindowLog.Run(ctx, rs.client,
		[]string{stateKey(key)},
		nowSec, windowSec, limit,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("redis: sliding window check failed for key %q: %w", key, err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return Result{}, fmt.Errorf("redis: unexpected script reply %T for key %q", raw, key)
	}

	allowedFlag, ok := vals[0].(int64)
	if !ok {
		return Result{}, fmt.Errorf("redis: unexpected allowed flag %T for key %q", vals[0], key)
	}
	count, ok := vals[1].(int64)
	if !ok {
		return Result{}, fmt.Errorf("redis: unexpected count %T for key %q", vals[1], key)
	}
	oldestRaw, ok := vals[2].(string)
	if !ok {
		return Result{}, fmt.Errorf("redis: unexpected oldest timestamp %T for key %q", vals[2], key)
	}

	oldest, err := strconv.ParseFloat(oldestRaw, 64)
	if err != nil {
		return Result{}, fmt.Errorf("redis: malformed oldest timestamp %q for key %q: %w", oldestRaw, key, err)
	}

	result := Result{
		Count:   count,
		Limit:   limit,
		Allowed: allowedFlag == 1,
		ResetAt: time.Unix(0, int64(oldest*1e9)).Add(window),
	}
	if result.Allowed {
		result.Remaining = limit - count
	}

	return result, nil
}

// Reset removes the window state for the given key.
func (rs *RedisStore) Reset(ctx context.Context, key string) error {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.closed {
		return ErrStorageClosed
	}

	if err := rs.client.Del(ctx, stateKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete failed for key %q: %w", key, err)
	}

	return nil
}

// Ping checks connectivity to the Redis server.
func (rs *RedisStore) Ping(ctx context.Context) error {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.closed {
		return ErrStorageClosed
	}

	if err := rs.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}

	return nil
}

// Close gracefully shuts down the Redis connection.
func (rs *RedisStore) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil
	}

	rs.closed = true
	log.Println("redis: closing connection")

	return rs.client.Close()
}

// Client returns the underlying Redis client for advanced usage.
// Use with caution - prefer the WindowStore interface methods.
func (rs *RedisStore) Client() *redis.Client {
	return rs.client
}

// PoolStats returns the current connection pool statistics.
func (rs *RedisStore) PoolStats() *redis.PoolStats {
	return rs.client.PoolStats()
}
