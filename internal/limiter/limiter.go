// Package limiter provides request admission control.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/rowanhe/intake/internal/storage"
)

// Default admission quota: 100 requests per client in a 5 minute
// sliding window.
const (
	DefaultLimit  = 100
	DefaultWindow = 300 * time.Second
)

// SlidingWindowStore defines storage capabilities required by the limiter.
type SlidingWindowStore interface {
	CheckSlidingWindow(ctx context.Context, key string, limit int64, window time.Duration) (storage.Result, error)
}

// Config controls limiter behavior.
type Config struct {
	Limit  int64
	Window time.Duration
}

// Limiter is a sliding-window-log rate limiter backed by a SlidingWindowStore.
type Limiter struct {
	store  SlidingWindowStore
	limit  int64
	window time.Duration
}

// New creates a limiter with the provided configuration.
func New(store SlidingWindowStore, cfg Config) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("limiter: store is required")
	}
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("limiter: limit must be greater than 0")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("limiter: window must be greater than 0")
	}

	return &Limiter{
		store:  store,
		limit:  cfg.Limit,
		window: cfg.Window,
	}, nil
}

// Allow checks whether a request for key should be admitted.
//
// A store failure is surfaced as an error, never as an admission decision;
// callers decide whether to fail open or closed.
func (l *Limiter) Allow(ctx context.Context, key string) (storage.Result, error) {
	if key == "" {
		return storage.Result{}, fmt.Errorf("limiter: key is required")
	}

	return l.store.CheckSlidingWindow(ctx, key, l.limit, l.window)
}

// Limit returns the configured per-window request quota.
func (l *Limiter) Limit() int64 {
	return l.limit
}

// Window returns the configured sliding window duration.
func (l *Limiter) Window() time.Duration {
	return l.window
}
