package sightings

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, numShards int) *Cache {
	t.Helper()
	srv := miniredis.RunT(t)
	shards := make([]*redis.Client, 0, numShards)
	for i := 0; i < numShards; i++ {
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { client.Close() })
		shards = append(shards, client)
	}
	return New(shards)
}

func TestShardPlacementIsStable(t *testing.T) {
	cache := NewFromOptions(&redis.Options{Addr: "localhost:6379"}, 4)
	if cache.NumShards() != 4 {
		t.Fatalf("shards = %d, want 4", cache.NumShards())
	}

	// Same login always lands on the same shard.
	for _, login := range []string{"alice", "bob", "some_viewer_123"} {
		first := cache.shardFor(login)
		for i := 0; i < 5; i++ {
			if cache.shardFor(login) != first {
				t.Fatalf("shard for %q moved between calls", login)
			}
		}
	}
}

func TestShardPlacementSpreads(t *testing.T) {
	cache := NewFromOptions(&redis.Options{Addr: "localhost:6379"}, 4)

	seen := make(map[*redis.Client]bool)
	logins := []string{
		"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi",
		"ivan", "judy", "mallory", "niaj", "olivia", "peggy", "rupert", "sybil",
	}
	for _, login := range logins {
		seen[cache.shardFor(login)] = true
	}
	// MD5 spreads 16 logins over more than one of 4 shards.
	if len(seen) < 2 {
		t.Errorf("all logins landed on one shard")
	}
}

func TestCacheKey(t *testing.T) {
	if got := cacheKey("alice"); got != "viewer_sighting:alice" {
		t.Errorf("key = %q", got)
	}
}

func TestIncrementCreatesAtOne(t *testing.T) {
	cache := newTestCache(t, 4)
	ctx := context.Background()

	count, err := cache.IncrementTimesSeen(ctx, "alice")
	if err != nil || count != 1 {
		t.Fatalf("count = %d, err = %v, want a fresh login to start at 1", count, err)
	}
	count, err = cache.IncrementTimesSeen(ctx, "alice")
	if err != nil || count != 2 {
		t.Fatalf("count = %d, err = %v, want 2", count, err)
	}

	sighting, err := cache.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sighting == nil || sighting.TimesSeen != 2 {
		t.Errorf("sighting = %+v", sighting)
	}
	if sighting.LastSeenAt.IsZero() {
		t.Error("expected the increment to stamp a timestamp")
	}
}

func TestSetFlagsReportExistence(t *testing.T) {
	cache := newTestCache(t, 4)
	ctx := context.Background()

	// Flags on an absent login report the miss without creating an entry.
	existed, err := cache.SetEnriched(ctx, "ghost", true)
	if err != nil || existed {
		t.Fatalf("existed = %v, err = %v, want miss", existed, err)
	}
	if sighting, _ := cache.Get(ctx, "ghost"); sighting != nil {
		t.Fatalf("flag write created an entry: %+v", sighting)
	}

	if _, err := cache.IncrementTimesSeen(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if existed, err = cache.SetEnriched(ctx, "bob", true); err != nil || !existed {
		t.Fatalf("existed = %v, err = %v, want hit", existed, err)
	}
	if existed, err = cache.SetAggregated(ctx, "bob", true); err != nil || !existed {
		t.Fatalf("existed = %v, err = %v, want hit", existed, err)
	}

	sighting, err := cache.Get(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !sighting.Enriched || !sighting.Aggregated {
		t.Errorf("sighting = %+v, want both flags set", sighting)
	}
}

func TestUpsertIncrementsExistingEntry(t *testing.T) {
	cache := newTestCache(t, 4)
	ctx := context.Background()

	record := CachedSighting{
		LoginName:  "carol",
		TimesSeen:  5,
		Enriched:   true,
		LastSeenAt: time.Now().UTC(),
	}
	if err := cache.Upsert(ctx, record); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sighting, err := cache.Get(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if sighting.TimesSeen != 5 || !sighting.Enriched {
		t.Fatalf("fresh upsert = %+v", sighting)
	}

	// A second upsert bumps the counter instead of resetting it.
	record.Enriched = false
	if err := cache.Upsert(ctx, record); err != nil {
		t.Fatal(err)
	}
	sighting, _ = cache.Get(ctx, "carol")
	if sighting.TimesSeen != 6 || sighting.Enriched {
		t.Errorf("second upsert = %+v, want times_seen 6 and flags overwritten", sighting)
	}
}

func TestClearEmptiesEveryShard(t *testing.T) {
	cache := newTestCache(t, 4)
	ctx := context.Background()

	logins := []string{"alice", "bob", "carol", "dave", "erin", "frank"}
	for _, login := range logins {
		if _, err := cache.IncrementTimesSeen(ctx, login); err != nil {
			t.Fatal(err)
		}
	}
	if err := cache.Clear(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, login := range logins {
		if sighting, _ := cache.Get(ctx, login); sighting != nil {
			t.Errorf("login %q survived clear: %+v", login, sighting)
		}
	}
}
