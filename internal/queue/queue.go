// Package queue provides a named FIFO queue hosted in Redis so that the
// conductor and the fetcher workers, running as separate processes, share one
// logical queue. Capacity enforcement happens server-side in a Lua script;
// clients never do a read-then-write size check.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrQueueFull is returned by Enqueue when the queue is at its size limit.
// The caller holds the item and resubmits; the queue discards it.
var ErrQueueFull = errors.New("queue: full")

// Error wraps transport failures from the backing store.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("queue: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// enqueueBounded checks the size limit and appends in one atomic step.
var enqueueBounded = redis.NewScript(`
local key = KEYS[1]
local size_limit = tonumber(ARGV[2])
local item = ARGV[1]
local current_size = redis.call('LLEN', key)
if current_size < size_limit then
    redis.call('RPUSH', key, item)
    return 1
else
    return 0
end
`)

// clearScript deletes every key under the queue's namespace.
var clearScript = redis.NewScript(`
local cursor = "0"
repeat
    local result = redis.call("SCAN", cursor, "MATCH", KEYS[1] .. "*")
    cursor = result[1]
    for i, key in ipairs(result[2]) do
        redis.call("DEL", key)
    end
until cursor == "0"
return 1
`)

// Item is one dequeued queue entry: the raw payload plus, when the payload
// was a JSON object, its parsed form.
type Item struct {
	Raw    string
	Fields map[string]string
}

// SharedQueue is a handle on a named Redis-hosted FIFO. Create one handle per
// process; Redis arbitrates between them. Only one process should enqueue
// when a size limit is set, or racing enqueuers could still interleave their
// Lua calls and the limit loses its rate-bounding meaning.
type SharedQueue struct {
	client    *redis.Client
	key       string
	sizeLimit int
}

// Option configures a SharedQueue.
type Option func(*SharedQueue)

// WithSizeLimit caps the queue at n items. Zero means unbounded.
func WithSizeLimit(n int) Option {
	return func(q *SharedQueue) {
		q.sizeLimit = n
	}
}

// WithNamespace overrides the default "queue" key namespace.
func WithNamespace(ns string) Option {
	return func(q *SharedQueue) {
		q.key = fmt.Sprintf("%s:%s", ns, q.name())
	}
}

func (q *SharedQueue) name() string {
	for i := len(q.key) - 1; i >= 0; i-- {
		if q.key[i] == ':' {
			return q.key[i+1:]
		}
	}
	return q.key
}

// New returns a queue handle identified by "queue:<name>" in the given Redis.
func New(client *redis.Client, name string, opts ...Option) *SharedQueue {
	q := &SharedQueue{
		client: client,
		key:    fmt.Sprintf("queue:%s", name),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Key returns the full Redis key backing this queue.
func (q *SharedQueue) Key() string {
	return q.key
}

// SizeLimit returns the configured capacity, zero when unbounded.
func (q *SharedQueue) SizeLimit() int {
	return q.sizeLimit
}

// Enqueue appends an item. Strings pass through untouched; map payloads are
// JSON-encoded. Returns ErrQueueFull when the capacity check rejects the
// append.
func (q *SharedQueue) Enqueue(ctx context.Context, item any) error {
	var data string
	switch v := item.(type) {
	case string:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return &Error{Op: "enqueue encode", Err: err}
		}
		data = string(encoded)
	}

	if q.sizeLimit <= 0 {
		if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
			return &Error{Op: "enqueue", Err: err}
		}
		return nil
	}

	ok, err := enqueueBounded.Run(ctx, q.client, []string{q.key}, data, q.sizeLimit).Int()
	if err != nil {
		return &Error{Op: "enqueue", Err: err}
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// Dequeue blocks up to timeout for the head item. Racing consumers are fine:
// each item goes to exactly one of them, the rest come back empty. The second
// return is false when the queue stayed empty through the timeout.
func (q *SharedQueue) Dequeue(ctx context.Context, timeout time.Duration) (Item, bool, error) {
	vals, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, &Error{Op: "dequeue", Err: err}
	}
	// BLPOP returns [key, value].
	if len(vals) < 2 {
		return Item{}, false, nil
	}

	item := Item{Raw: vals[1]}
	var fields map[string]string
	if err := json.Unmarshal([]byte(item.Raw), &fields); err == nil {
		item.Fields = fields
	}
	return item, true, nil
}

// Size returns the current number of items.
func (q *SharedQueue) Size(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, &Error{Op: "size", Err: err}
	}
	return n, nil
}

// RemainingSpace returns how many items fit before the capacity is hit.
// Unbounded queues report ok=false.
func (q *SharedQueue) RemainingSpace(ctx context.Context) (int64, bool, error) {
	if q.sizeLimit <= 0 {
		return 0, false, nil
	}
	size, err := q.Size(ctx)
	if err != nil {
		return 0, false, err
	}
	free := int64(q.sizeLimit) - size
	if free < 0 {
		free = 0
	}
	return free, true, nil
}

// Empty reports whether the queue has no items.
func (q *SharedQueue) Empty(ctx context.Context) (bool, error) {
	size, err := q.Size(ctx)
	if err != nil {
		return false, err
	}
	return size == 0, nil
}

// Clear removes every key in the queue's namespace.
func (q *SharedQueue) Clear(ctx context.Context) error {
	if err := clearScript.Run(ctx, q.client, []string{q.key}).Err(); err != nil {
		return &Error{Op: "clear", Err: err}
	}
	return nil
}
