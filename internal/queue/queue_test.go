package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, name string, opts ...Option) *SharedQueue {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, name, opts...)
}

func TestNewDefaultKey(t *testing.T) {
	q := New(nil, "pending")
	if q.Key() != "queue:pending" {
		t.Errorf("key = %q, want queue:pending", q.Key())
	}
	if q.SizeLimit() != 0 {
		t.Errorf("size limit = %d, want 0", q.SizeLimit())
	}
}

func TestWithSizeLimit(t *testing.T) {
	q := New(nil, "workbench", WithSizeLimit(20))
	if q.SizeLimit() != 20 {
		t.Errorf("size limit = %d, want 20", q.SizeLimit())
	}
}

func TestWithNamespace(t *testing.T) {
	q := New(nil, "pending", WithNamespace("scanner"))
	if q.Key() != "scanner:pending" {
		t.Errorf("key = %q, want scanner:pending", q.Key())
	}
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t, "pending")
	ctx := context.Background()

	if err := q.Enqueue(ctx, map[string]string{"fetch_id": "f1", "channel": "alpha"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Enqueue(ctx, map[string]string{"fetch_id": "f2", "channel": "beta"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := q.Size(ctx); n != 2 {
		t.Fatalf("size = %d, want 2", n)
	}

	// FIFO: first in, first out, with the JSON payload parsed back.
	item, ok, err := q.Dequeue(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
	if item.Fields["channel"] != "alpha" {
		t.Errorf("first item = %+v, want alpha", item)
	}
	item, ok, _ = q.Dequeue(ctx, time.Second)
	if !ok || item.Fields["channel"] != "beta" {
		t.Errorf("second item = %+v (ok=%v), want beta", item, ok)
	}
	if n, _ := q.Size(ctx); n != 0 {
		t.Errorf("size = %d after draining, want 0", n)
	}
}

func TestDequeueEmptyReturnsSentinel(t *testing.T) {
	q := newTestQueue(t, "pending")

	item, ok, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || item.Raw != "" {
		t.Errorf("item = %+v (ok=%v), want the empty sentinel", item, ok)
	}
}

func TestBoundedEnqueueRejectsWhenFull(t *testing.T) {
	q := newTestQueue(t, "workbench", WithSizeLimit(2))
	ctx := context.Background()

	for _, item := range []string{"a", "b"} {
		if err := q.Enqueue(ctx, item); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := q.Enqueue(ctx, "c"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if n, _ := q.Size(ctx); n != 2 {
		t.Errorf("size = %d, the rejected item must not land", n)
	}

	// Draining one slot makes the append pass again.
	if _, ok, _ := q.Dequeue(ctx, time.Second); !ok {
		t.Fatal("expected a dequeued item")
	}
	if err := q.Enqueue(ctx, "c"); err != nil {
		t.Errorf("unexpected error after drain: %v", err)
	}
}

func TestRemainingSpaceTracksBacklog(t *testing.T) {
	ctx := context.Background()

	bounded := newTestQueue(t, "workbench", WithSizeLimit(3))
	bounded.Enqueue(ctx, "a")
	free, ok, err := bounded.RemainingSpace(ctx)
	if err != nil || !ok || free != 2 {
		t.Errorf("free = %d (ok=%v, err=%v), want 2", free, ok, err)
	}

	unbounded := newTestQueue(t, "pending")
	if _, ok, _ := unbounded.RemainingSpace(ctx); ok {
		t.Error("unbounded queue should report ok=false")
	}
}

func TestClearEmptiesQueue(t *testing.T) {
	q := newTestQueue(t, "pending")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, "item")
	}
	if err := q.Clear(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	empty, err := q.Empty(ctx)
	if err != nil || !empty {
		t.Errorf("empty = %v, err = %v", empty, err)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{Op: "enqueue", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the cause")
	}
	if err.Error() == "" {
		t.Error("expected a message")
	}
}
