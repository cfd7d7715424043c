// Package store wraps the shared in-memory store (Redis) primitives used
// across the engine: distributed locks, sliding counters, and the
// cross-worker playlist pause key (§5, §6). Locks are taken with SET NX EX
// and released by a Lua script, the pause key is managed by Lua scripts, and
// IncrWithTTL issues INCR and then EXPIRE as two separate commands; compound
// operations roll back via counter DECR on failure, per §5.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a thin wrapper over go-redis, grounded on the
// flyingrobots-go-redis-work-queue manifest's choice of client for exactly
// this kind of durable-queue-plus-counters backing store.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func Connect(url string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opt)), nil
}

func (s *Store) Client() *redis.Client { return s.rdb }

// AcquireLock attempts SET key val NX EX ttl, returning true if acquired.
func (s *Store) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLock deletes the lock key only if it is still held by owner, using
// a small Lua script so the check-then-delete is atomic.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (s *Store) ReleaseLock(ctx context.Context, key, owner string) error {
	_, err := releaseLockScript.Run(ctx, s.rdb, []string{key}, owner).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// IncrWithTTL increments key, setting ttl only the moment it transitions
// from absent to 1 (the teacher's partitionCache-style "set once" idiom
// applied to a counter rather than a map entry).
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return n, nil
}

// Decr decrements key, clamping the stored value at 0 so a release that
// races an expiry never goes negative (§4.10 tryAcquireJobSlot/releaseJobSlot).
func (s *Store) Decr(ctx context.Context, key string) error {
	n, err := s.rdb.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("decr %s: %w", key, err)
	}
	if n < 0 {
		s.rdb.Set(ctx, key, 0, redis.KeepTTL)
	}
	return nil
}

// GetInt reads an integer counter, returning 0 if absent.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return n, nil
}

// SetIfGreater atomically sets key = value if value is greater than the
// currently stored number (or the key is absent). Used for the cross-worker
// `playlist_queue:pause_until` key, where only the latest pauser should win
// (§4.5, §4.10, scenario 4).
var setIfGreaterScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]))
local val = tonumber(ARGV[1])
if cur == nil or val > cur then
	redis.call("SET", KEYS[1], ARGV[1])
	return 1
end
return 0
`)

func (s *Store) SetIfGreater(ctx context.Context, key string, value int64) (bool, error) {
	res, err := setIfGreaterScript.Run(ctx, s.rdb, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("set-if-greater %s: %w", key, err)
	}
	return res == 1, nil
}

// DeleteIfLessEqual deletes key only if its stored value is <= threshold.
// Used when a resumer wants to clear `playlist_queue:pause_until` only once
// now >= the stored pauseUntil (§4.5).
var deleteIfLessEqualScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]))
if cur == nil then
	return 1
end
if tonumber(ARGV[1]) >= cur then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

func (s *Store) DeleteIfLessEqual(ctx context.Context, key string, threshold int64) (bool, error) {
	res, err := deleteIfLessEqualScript.Run(ctx, s.rdb, []string{key}, threshold).Int64()
	if err != nil {
		return false, fmt.Errorf("delete-if-less-equal %s: %w", key, err)
	}
	return res == 1, nil
}
