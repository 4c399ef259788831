// Package storage provides window state backends for the intake
// rate limiting layer.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStorageClosed is returned when an operation is attempted on a closed store.
	ErrStorageClosed = errors.New("storage: connection closed")
)

// Result holds the outcome of a sliding-window admission check.
type Result struct {
	// Count is the number of requests retained in the window,
	// including the current one when it was admitted.
	Count int64
	// Limit is the maximum allowed requests in the window.
	Limit int64
	// Remaining is how many requests are still allowed.
	Remaining int64
	// ResetAt is when the oldest retained request leaves the window.
	ResetAt time.Time
	// Allowed indicates whether the request should be permitted.
	Allowed bool
}

// WindowStore defines the interface for sliding-window state backends.
// All methods must be safe for concurrent use.
type WindowStore interface {
	// CheckSlidingWindow prunes the stored timestamp sequence for key,
	// admits or rejects the current request against limit, and persists
	// the updated sequence with TTL equal to window. The whole
	// read-prune-append-write step executes atomically per key.
	//
	// A rejected request does not consume a slot: its own timestamp is
	// discarded, but the pruned sequence is still written back with a
	// fresh TTL.
	CheckSlidingWindow(ctx context.Context, key string, limit int64, window time.Duration) (Result, error)

	// Reset removes all window state for the given key.
	Reset(ctx context.Context, key string) error

	// Ping checks the health of the storage backend.
	Ping(ctx context.Context) error

	// Close gracefully shuts down the storage backend.
	Close() error
}

// stateKey builds the persisted key for a client's timestamp sequence.
// The request_count_ prefix matches the layout used by earlier deployments
// of the limiter, so mixed fleets share window state.
func stateKey(clientKey string) string {
	return "request_count_" + clientKey
}
