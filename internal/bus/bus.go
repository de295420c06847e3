// Package bus mediates all Redis Streams and Pub/Sub traffic for a task's
// StreamSet: the append-only output stream, the input-request/input-response
// channels, and the control channel. It is the sole owner of the wire
// encoding for envelopes moving between child processes and remote
// consumers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"flowrunner/internal/apierr"
	"flowrunner/internal/models"
)

// Bus wraps a Redis client with the task-scoped stream and pub/sub
// operations the mediator, scheduler and gateway share.
type Bus struct {
	rdb *redis.Client
}

// New builds a Bus over an already-configured Redis client.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Append writes an envelope to the task's output stream (and the global
// stream, per the permissive global-stream design note) and returns the
// Redis-assigned entry id.
func (b *Bus) Append(ctx context.Context, env models.Envelope) (string, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return "", apierr.Wrap(apierr.InternalError, "marshal envelope", err)
	}
	id, err := withRetry(ctx, func() (string, error) {
		id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: OutStream(env.TaskID),
			Values: map[string]interface{}{"payload": payload},
		}).Result()
		if err != nil {
			return "", err
		}
		// Mirrored into the global diagnostic stream; best-effort, never
		// allowed to fail the per-task append that callers actually wait on.
		b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: GlobalOutStream,
			Values: map[string]interface{}{"payload": payload},
		})
		return id, nil
	})
	if err != nil {
		return "", apierr.Wrap(apierr.BusUnavailable, "append output stream", err)
	}
	return id, nil
}

// History replays up to count most recent entries from a task's output
// stream in chronological order, mirroring the teacher's xrevrange-then-
// reverse replay pattern.
func (b *Bus) History(ctx context.Context, taskID string, count int64) ([]models.Envelope, error) {
	entries, err := withRetry(ctx, func() ([]redis.XMessage, error) {
		return b.rdb.XRevRangeN(ctx, OutStream(taskID), "+", "-", count).Result()
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.BusUnavailable, "read output history", err)
	}
	out := make([]models.Envelope, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		env, err := decodeEntry(entries[i])
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Follow blocks for new entries on a task's output stream after lastID,
// returning as soon as at least one arrives or the block window elapses.
// lastID is "$" to start from "now".
func (b *Bus) Follow(ctx context.Context, taskID string, lastID string, block int64) ([]models.Envelope, string, error) {
	streams, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{OutStream(taskID), lastID},
		Block:   msDuration(block),
		Count:   20,
	}).Result()
	if err == redis.Nil {
		return nil, lastID, nil
	}
	if err != nil {
		return nil, lastID, apierr.Wrap(apierr.BusUnavailable, "follow output stream", err)
	}
	if len(streams) == 0 {
		return nil, lastID, nil
	}
	out := make([]models.Envelope, 0, len(streams[0].Messages))
	next := lastID
	for _, msg := range streams[0].Messages {
		env, err := decodeEntry(msg)
		if err != nil {
			continue
		}
		out = append(out, env)
		next = env.StreamID
	}
	return out, next, nil
}

// PublishInputRequest is called by the Mediator once it has detected an
// input_request entry on the task's durable output stream. It notifies
// live subscribers on the task's input-request channel and mirrors the
// prompt so a WebSocket client connecting after the publish can still
// recover it via LastPrompt.
func (b *Bus) PublishInputRequest(ctx context.Context, env models.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return apierr.Wrap(apierr.InternalError, "marshal input request", err)
	}
	_, err = withRetry(ctx, func() (struct{}, error) {
		if err := b.rdb.Set(ctx, LastPromptKey(env.TaskID), payload, 0).Err(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, b.rdb.Publish(ctx, InputRequestChannel(env.TaskID), payload).Err()
	})
	if err != nil {
		return apierr.Wrap(apierr.BusUnavailable, "publish input request", err)
	}
	return nil
}

// LastPrompt returns the most recently published, still-outstanding input
// request for a task, if any.
func (b *Bus) LastPrompt(ctx context.Context, taskID string) (models.Envelope, bool, error) {
	raw, err := b.rdb.Get(ctx, LastPromptKey(taskID)).Bytes()
	if err == redis.Nil {
		return models.Envelope{}, false, nil
	}
	if err != nil {
		return models.Envelope{}, false, apierr.Wrap(apierr.BusUnavailable, "read last prompt", err)
	}
	env, err := models.ParseEnvelope(raw)
	if err != nil {
		return models.Envelope{}, false, nil
	}
	return env, true, nil
}

// ClearPrompt removes the mirrored prompt once its input_request is resolved.
func (b *Bus) ClearPrompt(ctx context.Context, taskID string) error {
	return b.rdb.Del(ctx, LastPromptKey(taskID)).Err()
}

// PublishInputResponse forwards a consumer-submitted input_response to the
// mediator's subscriber on the task's response channel.
func (b *Bus) PublishInputResponse(ctx context.Context, env models.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return apierr.Wrap(apierr.InternalError, "marshal input response", err)
	}
	_, err = withRetry(ctx, func() (int64, error) {
		return b.rdb.Publish(ctx, InputResponseChannel(env.TaskID), payload).Result()
	})
	if err != nil {
		return apierr.Wrap(apierr.BusUnavailable, "publish input response", err)
	}
	return nil
}

// PublishControl sends a control-plane notification (status change,
// cancel request) on a task's control channel.
func (b *Bus) PublishControl(ctx context.Context, taskID string, payload []byte) error {
	_, err := withRetry(ctx, func() (int64, error) {
		return b.rdb.Publish(ctx, ControlChannel(taskID), payload).Result()
	})
	if err != nil {
		return apierr.Wrap(apierr.BusUnavailable, "publish control message", err)
	}
	return nil
}

// SubscribeInputResponse returns a live subscription to a task's
// input-response channel; callers must Close() it.
func (b *Bus) SubscribeInputResponse(ctx context.Context, taskID string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, InputResponseChannel(taskID))
}

// SubscribeControl returns a live subscription to a task's control channel;
// callers must Close() it.
func (b *Bus) SubscribeControl(ctx context.Context, taskID string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, ControlChannel(taskID))
}

// Cleanup deletes every Redis key/channel owned by a task once its
// retention window has elapsed.
func (b *Bus) Cleanup(ctx context.Context, taskID string) error {
	if err := b.rdb.Del(ctx, AllTaskKeys(taskID)...).Err(); err != nil {
		return apierr.Wrap(apierr.BusUnavailable, "cleanup task streams", err)
	}
	return nil
}

func decodeEntry(msg redis.XMessage) (models.Envelope, error) {
	raw, ok := msg.Values["payload"]
	s, ok2 := raw.(string)
	if !ok || !ok2 {
		return models.Envelope{}, fmt.Errorf("malformed stream entry %s", msg.ID)
	}
	env, err := models.ParseEnvelope([]byte(s))
	if err != nil {
		return models.Envelope{}, err
	}
	env.StreamID = msg.ID
	return env, nil
}
