package cancel

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"flowrunner/internal/bus"
	"flowrunner/internal/models"
	"flowrunner/internal/store"
)

type fakeHandle struct {
	terminated chan time.Duration
}

func newFakeHandle() *fakeHandle { return &fakeHandle{terminated: make(chan time.Duration, 1)} }

func (f *fakeHandle) Terminate(_ context.Context, grace time.Duration) error {
	f.terminated <- grace
	return nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("FLOWRUNNER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set FLOWRUNNER_TEST_POSTGRES_DSN to run Cancellation Controller integration tests")
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
	return st
}

func testBus(t *testing.T) *bus.Bus {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return bus.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCancelTerminatesRunningTaskExactlyOnce(t *testing.T) {
	st := testStore(t)
	b := testBus(t)
	ctx := context.Background()

	clientID := seedClient(t, st)
	task, _, err := st.CreateTask(ctx, store.SubmitParams{ClientID: clientID, FlowID: "f1", Filename: "flow.yaml"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.ApplyTransition(ctx, store.CASTransition{TaskID: task.ID, From: models.StatusPending, To: models.StatusRunning}); err != nil {
		t.Fatalf("move to running: %v", err)
	}

	handle := newFakeHandle()
	registry := NewRegistry()
	controller := registry.Start(ctx, task.ID, b, st, handle, 0, 50*time.Millisecond, discardLogger())

	controller.Cancel("client request")
	controller.Cancel("second reason should be ignored")

	select {
	case <-controller.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("controller did not finish after Cancel")
	}

	select {
	case <-handle.terminated:
	case <-time.After(time.Second):
		t.Fatalf("expected Terminate to be called on the process handle")
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("task status = %s, want CANCELLED", got.Status)
	}
	if got.ResultReason != "client request" {
		t.Fatalf("result reason = %q, want %q (first reason wins)", got.ResultReason, "client request")
	}
}

func TestMaxDurationOverrunFailsRatherThanCancels(t *testing.T) {
	st := testStore(t)
	b := testBus(t)
	ctx := context.Background()

	clientID := seedClient(t, st)
	task, _, err := st.CreateTask(ctx, store.SubmitParams{ClientID: clientID, FlowID: "f2", Filename: "flow.yaml"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.ApplyTransition(ctx, store.CASTransition{TaskID: task.ID, From: models.StatusPending, To: models.StatusRunning}); err != nil {
		t.Fatalf("move to running: %v", err)
	}

	handle := newFakeHandle()
	registry := NewRegistry()
	registry.Start(ctx, task.ID, b, st, handle, 30*time.Millisecond, 50*time.Millisecond, discardLogger())

	select {
	case <-handle.terminated:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the overrun to terminate the process")
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("task status = %s, want FAILED on max-duration overrun", got.Status)
	}
	if got.ResultReason != "timeout" {
		t.Fatalf("result reason = %q, want %q", got.ResultReason, "timeout")
	}
}

func TestCancelOfAlreadyTerminalTaskIsNoop(t *testing.T) {
	st := testStore(t)
	b := testBus(t)
	ctx := context.Background()

	clientID := seedClient(t, st)
	task, _, err := st.CreateTask(ctx, store.SubmitParams{ClientID: clientID, FlowID: "f3", Filename: "flow.yaml"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	now := time.Now().UTC()
	if err := st.ApplyTransition(ctx, store.CASTransition{TaskID: task.ID, From: models.StatusPending, To: models.StatusCompleted, EndedAt: &now}); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	handle := newFakeHandle()
	registry := NewRegistry()
	controller := registry.Start(ctx, task.ID, b, st, handle, 0, 50*time.Millisecond, discardLogger())
	controller.Cancel("too late")

	select {
	case <-controller.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("controller did not finish")
	}

	select {
	case <-handle.terminated:
		t.Fatalf("Terminate should not be called against an already-terminal task")
	case <-time.After(200 * time.Millisecond):
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("task status changed from COMPLETED to %s, cancel-after-terminal must be a no-op", got.Status)
	}
}

func seedClient(t *testing.T, st *store.Store) string {
	t.Helper()
	clientID := "client-" + t.Name()
	ctx := context.Background()
	if err := st.CreateClient(ctx, models.Client{ID: clientID, Audience: clientID, MaxActive: 3}); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	return clientID
}
