package bus

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"flowrunner/internal/models"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client)
}

func TestAppendAndHistoryPreservesOrder(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	for i := 0; i < 3; i++ {
		env := models.Envelope{Type: models.EnvelopePrint, TaskID: "t1", Timestamp: int64(i), Data: models.StringData("line")}
		if _, err := b.Append(ctx, env); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	history, err := b.History(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
	for i, env := range history {
		if env.Timestamp != int64(i) {
			t.Fatalf("history[%d].Timestamp = %d, want %d (chronological order)", i, env.Timestamp, i)
		}
	}
}

func TestFollowReturnsNilOnBlockTimeoutWithoutError(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	envs, next, err := b.Follow(ctx, "empty-task", "$", 50)
	if err != nil {
		t.Fatalf("Follow on an empty stream past block window should not error, got %v", err)
	}
	if envs != nil {
		t.Fatalf("expected no envelopes, got %v", envs)
	}
	if next != "$" {
		t.Fatalf("expected lastID to be unchanged, got %q", next)
	}
}

func TestPublishAndLastPromptRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	reqID := "req-1"
	env := models.Envelope{Type: models.EnvelopeInputRequest, TaskID: "t2", RequestID: &reqID, Data: models.StringData("enter name:")}
	if err := b.PublishInputRequest(ctx, env); err != nil {
		t.Fatalf("publish input request: %v", err)
	}

	got, ok, err := b.LastPrompt(ctx, "t2")
	if err != nil {
		t.Fatalf("last prompt: %v", err)
	}
	if !ok {
		t.Fatalf("expected a mirrored prompt to be recoverable")
	}
	if got.RequestID == nil || *got.RequestID != reqID {
		t.Fatalf("mirrored prompt request id mismatch: %+v", got)
	}

	if err := b.ClearPrompt(ctx, "t2"); err != nil {
		t.Fatalf("clear prompt: %v", err)
	}
	_, ok, err = b.LastPrompt(ctx, "t2")
	if err != nil {
		t.Fatalf("last prompt after clear: %v", err)
	}
	if ok {
		t.Fatalf("expected prompt to be gone after ClearPrompt")
	}
}

func TestCleanupRemovesAllTaskKeys(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	env := models.Envelope{Type: models.EnvelopePrint, TaskID: "t3", Data: models.StringData("x")}
	if _, err := b.Append(ctx, env); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.Cleanup(ctx, "t3"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	history, err := b.History(ctx, "t3", 10)
	if err != nil {
		t.Fatalf("history after cleanup: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected history to be empty after cleanup, got %d entries", len(history))
	}
}
