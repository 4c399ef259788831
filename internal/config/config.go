// Package config provides centralized configuration loading and validation
// for the intake service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Limiter backend selection values.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all validated configuration for the intake service.
type Config struct {
	// ListenAddr is the address the HTTP server binds to (e.g., ":8000").
	ListenAddr string

	// TrustProxy enables trusting X-Forwarded-For headers.
	TrustProxy bool

	// RateLimitBackend selects the window store: redis or memory.
	RateLimitBackend string

	// RateLimitRequests is the per-client request quota in one window.
	RateLimitRequests int64

	// RateLimitWindow is the sliding window duration for rate limiting.
	RateLimitWindow time.Duration

	// RedisAddr is the Redis server address (host:port).
	RedisAddr string

	// DatabaseURL is the PostgreSQL connection string for the user store
	// and the upload audit log.
	DatabaseURL string

	// BatchSize is how many accepted upload records are persisted per
	// transaction.
	BatchSize int

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string
}

// Load reads configuration from environment variables, applies defaults,
// and validates all required values.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        getEnv("LISTEN_ADDR", ":8000"),
		TrustProxy:        getEnv("TRUST_PROXY", "false") == "true",
		RateLimitBackend:  strings.ToLower(getEnv("RATE_LIMIT_BACKEND", BackendRedis)),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		DatabaseURL:       strings.TrimSpace(getEnv("DATABASE_URL", "")),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		RateLimitRequests: getEnvInt64("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 300)) * time.Second,
		BatchSize:         getEnvInt("BATCH_SIZE", 100),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent and safe.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: LISTEN_ADDR is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.RateLimitBackend != BackendRedis && c.RateLimitBackend != BackendMemory {
		return fmt.Errorf("config: RATE_LIMIT_BACKEND must be %q or %q, got %q",
			BackendRedis, BackendMemory, c.RateLimitBackend)
	}
	if c.RateLimitBackend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("config: REDIS_ADDR is required for the redis backend")
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimitWindow < time.Second {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW_SECONDS must be >= 1")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: BATCH_SIZE must be > 0")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config: LOG_LEVEL must be one of: debug, info, warn, error; got %q", c.LogLevel)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt64(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}

	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
