package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultReapInterval controls how often the in-memory store sweeps idle
// client windows.
const DefaultReapInterval = 2 * time.Minute

// MemoryStore is an in-process WindowStore for single-node deployments and
// tests. Window state lives in a mutex-guarded map; a background reaper
// drops entries whose newest timestamp has aged out of the window, standing
// in for the TTL a networked backend would apply.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]memoryWindow
	closed  bool
	done    chan struct{}

	// now is overridable in tests.
	now func() time.Time
}

type memoryWindow struct {
	stamps []time.Time
	window time.Duration
}

// NewMemoryStore creates an in-memory window store and starts its reaper.
func NewMemoryStore(reapInterval time.Duration) *MemoryStore {
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}

	ms := &MemoryStore{
		windows: make(map[string]memoryWindow),
		done:    make(chan struct{}),
		now:     time.Now,
	}

	go ms.reapLoop(reapInterval)

	return ms
}

// CheckSlidingWindow applies the sliding-window-log check under the store
// lock, so concurrent requests for the same key serialize.
func (ms *MemoryStore) CheckSlidingWindow(_ context.Context, key string, limit int64, window time.Duration) (Result, error) {
	if key == "" {
		return Result{}, fmt.Errorf("memory: key is required")
	}
	if limit <= 0 {
		return Result{}, fmt.Errorf("memory: limit must be greater than 0")
	}
	if window < time.Second {
		return Result{}, fmt.Errorf("memory: window must be at least one second")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return Result{}, ErrStorageClosed
	}

	now := ms.now()
	cutoff := now.Add(-window)

	entry := ms.windows[stateKey(key)]
	kept := entry.stamps[:0]
	for _, ts := range entry.stamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}

	result := Result{Limit: limit}

	if int64(len(kept)) >= limit {
		// Rejected request does not consume a slot; the pruned state is
		// still written back, matching the persisted-store behavior.
		ms.windows[stateKey(key)] = memoryWindow{stamps: kept, window: window}
		result.Count = int64(len(kept))
		result.ResetAt = kept[0].Add(window)
		return result, nil
	}

	kept = append(kept, now)
	ms.windows[stateKey(key)] = memoryWindow{stamps: kept, window: window}

	result.Allowed = true
	result.Count = int64(len(kept))
	result.Remaining = limit - result.Count
	result.ResetAt = kept[0].Add(window)

	return result, nil
}

// Reset removes the window state for the given key.
func (ms *MemoryStore) Reset(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ErrStorageClosed
	}

	delete(ms.windows, stateKey(key))
	return nil
}

// Ping reports whether the store accepts operations.
func (ms *MemoryStore) Ping(_ context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close stops the reaper and rejects further operations.
func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return nil
	}

	ms.closed = true
	close(ms.done)
	ms.windows = nil

	return nil
}

func (ms *MemoryStore) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.reap()
		case <-ms.done:
			return
		}
	}
}

// reap drops entries whose newest timestamp has left its window, mirroring
// TTL expiry of an idle client.
func (ms *MemoryStore) reap() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return
	}

	now := ms.now()
	for key, entry := range ms.windows {
		if len(entry.stamps) == 0 {
			delete(ms.windows, key)
			continue
		}
		newest := entry.stamps[len(entry.stamps)-1]
		if now.Sub(newest) > entry.window {
			delete(ms.windows, key)
		}
	}
}
