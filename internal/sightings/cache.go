// Package sightings implements the per-scan viewer-sightings cache: a
// sharded set of Redis hashes shared by every fetcher worker attached to the
// same backing store. Every mutation runs as a server-side Lua script, so
// concurrent workers can hammer the same login without losing an increment.
//
// All workers must agree on the shard count and the Redis connection; the
// shard for a login is derived from a stable MD5 hash, so identical
// configuration means identical placement.
package sightings

import (
	"context"
	"crypto/md5"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const keyPrefix = "viewer_sighting"

// CachedSighting is one login's record for the current scan.
type CachedSighting struct {
	LoginName  string
	TimesSeen  int
	Enriched   bool
	Aggregated bool
	LastSeenAt time.Time
}

// incrementScript bumps times_seen and stamps the timestamp in one step,
// creating the hash at times_seen=1 when absent.
var incrementScript = redis.NewScript(`
local current = redis.call('HINCRBY', KEYS[1], 'times_seen', 1)
redis.call('HSET', KEYS[1], 'timestamp', ARGV[1])
return current
`)

// setFlagScript sets a named flag only when the key exists; returns existence.
var setFlagScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
    return 1
else
    return 0
end
`)

// upsertScript increments times_seen and overwrites flags when the key
// exists, otherwise writes the record wholesale.
var upsertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('HINCRBY', KEYS[1], 'times_seen', 1)
    redis.call('HSET', KEYS[1], 'enriched', ARGV[1])
    redis.call('HSET', KEYS[1], 'aggregated', ARGV[2])
    redis.call('HSET', KEYS[1], 'timestamp', ARGV[3])
else
    redis.call('HSET', KEYS[1], 'times_seen', ARGV[4])
    redis.call('HSET', KEYS[1], 'enriched', ARGV[1])
    redis.call('HSET', KEYS[1], 'aggregated', ARGV[2])
    redis.call('HSET', KEYS[1], 'timestamp', ARGV[3])
end
return 1
`)

// clearScript deletes every cache key on one shard.
var clearScript = redis.NewScript(`
local cursor = "0"
repeat
    local result = redis.call("SCAN", cursor, "MATCH", KEYS[1])
    cursor = result[1]
    for i, key in ipairs(result[2]) do
        redis.call("DEL", key)
    end
until cursor == "0"
return 1
`)

// Cache is the sharded sightings cache handle. Each shard holds its own
// client so a failure on one shard never blocks the others.
type Cache struct {
	shards []*redis.Client
}

// New builds a cache over the given shard clients. Pass one client per
// shard; len(shards) is the shard count every cooperating process must share.
func New(shards []*redis.Client) *Cache {
	return &Cache{shards: shards}
}

// NewFromOptions dials one client per shard against the same Redis instance.
func NewFromOptions(opts *redis.Options, numShards int) *Cache {
	shards := make([]*redis.Client, 0, numShards)
	for i := 0; i < numShards; i++ {
		shards = append(shards, redis.NewClient(opts))
	}
	return New(shards)
}

// NumShards returns the shard count.
func (c *Cache) NumShards() int {
	return len(c.shards)
}

func (c *Cache) shardFor(login string) *redis.Client {
	sum := md5.Sum([]byte(login))
	n := new(big.Int).SetBytes(sum[:])
	idx := new(big.Int).Mod(n, big.NewInt(int64(len(c.shards)))).Int64()
	return c.shards[idx]
}

func cacheKey(login string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, login)
}

// IncrementTimesSeen bumps the login's counter atomically and returns the
// new count. Absent logins are created at 1.
func (c *Cache) IncrementTimesSeen(ctx context.Context, login string) (int, error) {
	shard := c.shardFor(login)
	count, err := incrementScript.Run(ctx, shard,
		[]string{cacheKey(login)}, time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return 0, fmt.Errorf("sightings: increment %q: %w", login, err)
	}
	return count, nil
}

// SetEnriched flips the enriched flag. Returns false when the login has no
// cache entry yet; the caller must have written user data first.
func (c *Cache) SetEnriched(ctx context.Context, login string, enriched bool) (bool, error) {
	return c.setFlag(ctx, login, "enriched", enriched)
}

// SetAggregated flips the aggregated flag with the same existence contract
// as SetEnriched.
func (c *Cache) SetAggregated(ctx context.Context, login string, aggregated bool) (bool, error) {
	return c.setFlag(ctx, login, "aggregated", aggregated)
}

func (c *Cache) setFlag(ctx context.Context, login, field string, value bool) (bool, error) {
	shard := c.shardFor(login)
	existed, err := setFlagScript.Run(ctx, shard,
		[]string{cacheKey(login)}, field, strconv.FormatBool(value)).Int()
	if err != nil {
		return false, fmt.Errorf("sightings: set %s on %q: %w", field, login, err)
	}
	return existed == 1, nil
}

// Get returns the login's record, or nil when it isn't cached.
func (c *Cache) Get(ctx context.Context, login string) (*CachedSighting, error) {
	shard := c.shardFor(login)
	fields, err := shard.HGetAll(ctx, cacheKey(login)).Result()
	if err != nil {
		return nil, fmt.Errorf("sightings: get %q: %w", login, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	sighting := &CachedSighting{LoginName: login}
	if v, ok := fields["times_seen"]; ok {
		sighting.TimesSeen, _ = strconv.Atoi(v)
	}
	if v, ok := fields["enriched"]; ok {
		sighting.Enriched, _ = strconv.ParseBool(v)
	}
	if v, ok := fields["aggregated"]; ok {
		sighting.Aggregated, _ = strconv.ParseBool(v)
	}
	if v, ok := fields["timestamp"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			sighting.LastSeenAt = ts
		}
	}
	return sighting, nil
}

// Upsert writes the record: an existing entry has its counter incremented and
// flags/timestamp overwritten, a new entry takes all fields from the record.
func (c *Cache) Upsert(ctx context.Context, sighting CachedSighting) error {
	shard := c.shardFor(sighting.LoginName)
	err := upsertScript.Run(ctx, shard,
		[]string{cacheKey(sighting.LoginName)},
		strconv.FormatBool(sighting.Enriched),
		strconv.FormatBool(sighting.Aggregated),
		sighting.LastSeenAt.UTC().Format(time.RFC3339Nano),
		sighting.TimesSeen,
	).Err()
	if err != nil {
		return fmt.Errorf("sightings: upsert %q: %w", sighting.LoginName, err)
	}
	return nil
}

// Clear deletes the cache namespace on every shard in parallel. Call it at
// scan boundaries.
func (c *Cache) Clear(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, shard := range c.shards {
		shard := shard
		g.Go(func() error {
			return clearScript.Run(ctx, shard, []string{keyPrefix + ":*"}).Err()
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("sightings: clear: %w", err)
	}
	return nil
}
