package scheduler

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestEnqueueDequeuePreservesFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for _, id := range []string{"task-1", "task-2", "task-3"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	for _, want := range []string{"task-1", "task-2", "task-3"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got != want {
			t.Fatalf("dequeue = %s, want %s (FIFO order)", got, want)
		}
	}
}

func TestDequeueReturnsOnCtxCancel(t *testing.T) {
	q := newTestQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected Dequeue to return an error once ctx is cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Dequeue did not return after context cancellation")
	}
}

func TestDepthReflectsQueuedCount(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	n, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if n != 0 {
		t.Fatalf("depth on empty queue = %d, want 0", n)
	}

	if err := q.Enqueue(ctx, "task-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err = q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if n != 1 {
		t.Fatalf("depth = %d, want 1", n)
	}
}
