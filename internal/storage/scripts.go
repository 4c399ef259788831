package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Lua scripts for atomic window operations.
//
// Running the prune-check-append-write sequence as a single script on the
// Redis server prevents two concurrent requests from both observing the
// same pruned length and both being admitted past the limit.

// luaSlidingWindowLog performs a sliding-window-log admission check.
// KEYS[1] = the window state key
// ARGV[1] = current time in seconds (may be fractional)
// ARGV[2] = window duration in seconds
// ARGV[3] = request limit
//
// The value is a JSON array of request timestamps, oldest first. Timestamps
// older than the window are dropped, then the request is admitted only when
// the retained count is below the limit. The pruned sequence is written back
// with TTL = window in both outcomes; the rejected request's own timestamp
// is never appended.
//
// Returns: {allowed (0/1), retained_count, oldest_timestamp_as_string}
const luaSlidingWindowLog = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local stamps = {}
local raw = redis.call("GET", key)
if raw then
    stamps = cjson.decode(raw)
end

local kept = {}
for _, ts in ipairs(stamps) do
    if now - ts <= window then
        kept[#kept + 1] = ts
    end
end

if #kept >= limit then
    redis.call("SET", key, cjson.encode(kept), "EX", window)
    return {0, #kept, tostring(kept[1])}
end

kept[#kept + 1] = now
redis.call("SET", key, cjson.encode(kept), "EX", window)
return {1, #kept, tostring(kept[1])}
`

// scriptLoader manages the lifecycle of Lua scripts in Redis.
// Scripts are loaded once via SCRIPT LOAD and then executed by SHA,
// which reduces bandwidth and parsing overhead on repeated calls.
type scriptLoader struct {
	client *redis.Client

	slidingWindowLog *redis.Script
}

// newScriptLoader creates a new script loader with all scripts registered.
func newScriptLoader(client *redis.Client) *scriptLoader {
	return &scriptLoader{
		client:           client,
		slidingWindowLog: redis.NewScript(luaSlidingWindowLog),
	}
}

// LoadAll pre-loads all Lua scripts into the Redis script cache.
// This should be called once during initialization. The go-redis library
// handles transparent reloading if scripts are evicted from the cache.
func (sl *scriptLoader) LoadAll(ctx context.Context) error {
	scripts := map[string]*redis.Script{
		"sliding_window_log": sl.slidingWindowLog,
	}

	for name, script := range scripts {
		if err := script.Load(ctx, sl.client).Err(); err != nil {
			return fmt.Errorf("failed to load script %q: %w", name, err)
		}
	}

	return nil
}
