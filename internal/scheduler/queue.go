package scheduler

import (
	"context"

	"github.com/redis/go-redis/v9"

	"flowrunner/internal/apierr"
)

// readyKey is the single FIFO admission queue; the Scheduler does not
// implement priority lanes, only stable created_at ordering (enforced by
// enqueuing in submission order).
const readyKey = "sched:ready"

// Queue is a minimal Redis-list FIFO: workers BLPOP it so that many worker
// goroutines (or processes) can share one queue without double-dispatch.
type Queue struct {
	rdb *redis.Client
}

// NewQueue wraps an existing Redis client.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue appends a task id to the tail of the ready queue.
func (q *Queue) Enqueue(ctx context.Context, taskID string) error {
	if err := q.rdb.RPush(ctx, readyKey, taskID).Err(); err != nil {
		return apierr.Wrap(apierr.BusUnavailable, "enqueue task", err)
	}
	return nil
}

// Dequeue blocks until a task id is available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	res, err := q.rdb.BLPop(ctx, 0, readyKey).Result()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apierr.Wrap(apierr.BusUnavailable, "dequeue task", err)
	}
	// BLPop returns [key, value].
	return res[1], nil
}

// Depth reports the current ready-queue length, for observability.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, apierr.Wrap(apierr.BusUnavailable, "queue depth", err)
	}
	return n, nil
}
