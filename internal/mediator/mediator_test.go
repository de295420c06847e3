package mediator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"flowrunner/internal/apierr"
	"flowrunner/internal/bus"
	"flowrunner/internal/models"
	"flowrunner/internal/store"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testBus(t *testing.T) *bus.Bus {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return bus.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func testStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dsn := os.Getenv("FLOWRUNNER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set FLOWRUNNER_TEST_POSTGRES_DSN to run Mediator integration tests")
	}
	ctx := context.Background()
	st, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clientID := "client-" + t.Name()
	if err := st.CreateClient(ctx, models.Client{ID: clientID, Audience: clientID, MaxActive: 3}); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	return st, clientID
}

func startRunningTask(t *testing.T, st *store.Store, clientID string) string {
	t.Helper()
	ctx := context.Background()
	task, _, err := st.CreateTask(ctx, store.SubmitParams{ClientID: clientID, FlowID: "f", Filename: "flow.yaml"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.ApplyTransition(ctx, store.CASTransition{TaskID: task.ID, From: models.StatusPending, To: models.StatusRunning}); err != nil {
		t.Fatalf("move to running: %v", err)
	}
	return task.ID
}

func TestInputResponseRoundTripFlipsToRunningAndBack(t *testing.T) {
	st, clientID := testStore(t)
	b := testBus(t)
	ctx := context.Background()
	taskID := startRunningTask(t, st, clientID)

	registry := NewRegistry(b, st, discardLogger())
	actor := registry.Start(ctx, taskID, time.Minute)

	sub := b.SubscribeInputResponse(ctx, taskID)
	defer sub.Close()
	responses := sub.Channel()

	reqID := "req-1"
	if _, err := b.Append(ctx, models.Envelope{
		Type: models.EnvelopeInputRequest, TaskID: taskID, RequestID: &reqID, Data: models.StringData("name?"),
	}); err != nil {
		t.Fatalf("append input request to output stream: %v", err)
	}

	waitForStatus(t, st, taskID, models.StatusWaitingForInput)

	if err := actor.SubmitInputResponse(ctx, models.Envelope{
		Type: models.EnvelopeInputResponse, TaskID: taskID, RequestID: &reqID, Data: models.StringData("Alice"),
	}); err != nil {
		t.Fatalf("submit input response: %v", err)
	}

	select {
	case msg := <-responses:
		var env models.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			t.Fatalf("decode published response: %v", err)
		}
		if s, _ := env.DataString(); s != "Alice" {
			t.Fatalf("published response data = %q, want %q", s, "Alice")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the input_response to be published back out")
	}

	waitForStatus(t, st, taskID, models.StatusRunning)
}

func TestSubmitInputResponseMismatchedRequestID(t *testing.T) {
	st, clientID := testStore(t)
	b := testBus(t)
	ctx := context.Background()
	taskID := startRunningTask(t, st, clientID)

	registry := NewRegistry(b, st, discardLogger())
	actor := registry.Start(ctx, taskID, time.Minute)

	reqID := "req-1"
	if _, err := b.Append(ctx, models.Envelope{
		Type: models.EnvelopeInputRequest, TaskID: taskID, RequestID: &reqID, Data: models.StringData("name?"),
	}); err != nil {
		t.Fatalf("append input request to output stream: %v", err)
	}
	waitForStatus(t, st, taskID, models.StatusWaitingForInput)

	wrongID := "req-2"
	err := actor.SubmitInputResponse(ctx, models.Envelope{
		Type: models.EnvelopeInputResponse, TaskID: taskID, RequestID: &wrongID, Data: models.StringData("Alice"),
	})
	if apierr.KindOf(err) != apierr.InputMismatch {
		t.Fatalf("expected apierr.InputMismatch, got %v", err)
	}
}

func TestSubmitInputResponseWhenNotWaiting(t *testing.T) {
	st, clientID := testStore(t)
	b := testBus(t)
	ctx := context.Background()
	taskID := startRunningTask(t, st, clientID)

	registry := NewRegistry(b, st, discardLogger())
	actor := registry.Start(ctx, taskID, time.Minute)

	reqID := "req-1"
	err := actor.SubmitInputResponse(ctx, models.Envelope{
		Type: models.EnvelopeInputResponse, TaskID: taskID, RequestID: &reqID, Data: models.StringData("Alice"),
	})
	if apierr.KindOf(err) != apierr.NotWaiting {
		t.Fatalf("expected apierr.NotWaiting when no input is outstanding, got %v", err)
	}
}

func TestInputTimeoutSynthesizesDefaultResponse(t *testing.T) {
	st, clientID := testStore(t)
	b := testBus(t)
	ctx := context.Background()
	taskID := startRunningTask(t, st, clientID)

	registry := NewRegistry(b, st, discardLogger())
	registry.Start(ctx, taskID, 50*time.Millisecond)

	sub := b.SubscribeInputResponse(ctx, taskID)
	defer sub.Close()
	responses := sub.Channel()

	reqID := "req-timeout"
	if _, err := b.Append(ctx, models.Envelope{
		Type: models.EnvelopeInputRequest, TaskID: taskID, RequestID: &reqID, Data: models.StringData("name?"),
	}); err != nil {
		t.Fatalf("append input request to output stream: %v", err)
	}

	select {
	case msg := <-responses:
		var env models.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			t.Fatalf("decode synthesized response: %v", err)
		}
		if s, _ := env.DataString(); s != "\n" {
			t.Fatalf("synthesized response data = %q, want a single newline", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a synthesized default response after the input timeout elapsed")
	}

	waitForStatus(t, st, taskID, models.StatusRunning)
}

func TestDuplicateOutstandingInputRequestReportsViolation(t *testing.T) {
	st, clientID := testStore(t)
	b := testBus(t)
	ctx := context.Background()
	taskID := startRunningTask(t, st, clientID)

	registry := NewRegistry(b, st, discardLogger())
	actor := registry.Start(ctx, taskID, time.Minute)

	first := "req-1"
	if _, err := b.Append(ctx, models.Envelope{
		Type: models.EnvelopeInputRequest, TaskID: taskID, RequestID: &first, Data: models.StringData("name?"),
	}); err != nil {
		t.Fatalf("append first input request: %v", err)
	}
	waitForStatus(t, st, taskID, models.StatusWaitingForInput)

	second := "req-2"
	if _, err := b.Append(ctx, models.Envelope{
		Type: models.EnvelopeInputRequest, TaskID: taskID, RequestID: &second, Data: models.StringData("age?"),
	}); err != nil {
		t.Fatalf("append second input request: %v", err)
	}

	select {
	case reason := <-actor.Violations():
		if reason == "" {
			t.Fatalf("expected a non-empty violation reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a protocol violation for a duplicate outstanding input_request")
	}
}

func waitForStatus(t *testing.T, st *store.Store, taskID string, want models.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task did not reach status %s in time", want)
}
