package scheduler

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
	"flowrunner/internal/objectstore"
	"flowrunner/internal/store"
)

type allowAllOracle struct{}

func (allowAllOracle) Allow(context.Context, string) error { return nil }

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("FLOWRUNNER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set FLOWRUNNER_TEST_POSTGRES_DSN to run scheduler integration tests")
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

func testScheduler(t *testing.T, st *store.Store) *Scheduler {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.New(rdb)
	queue := NewQueue(rdb)

	objStore, err := objectstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("object store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{MaxJobs: 1, WorkDir: t.TempDir()}, queue, st, b, allowAllOracle{}, objStore, logger)
}

func seedClient(t *testing.T, st *store.Store) string {
	t.Helper()
	clientID := "client-" + t.Name()
	if err := st.CreateClient(context.Background(), models.Client{ID: clientID, Audience: clientID, MaxActive: 3}); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	return clientID
}

func TestReapOrphansFailsStaleRunningTask(t *testing.T) {
	st := testStore(t)
	sched := testScheduler(t, st)
	ctx := context.Background()

	clientID := seedClient(t, st)
	task, _, err := st.CreateTask(ctx, store.SubmitParams{ClientID: clientID, FlowID: "f1", Filename: "flow.yaml"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	now := time.Now().UTC()
	if err := st.ApplyTransition(ctx, store.CASTransition{
		TaskID: task.ID, From: models.StatusPending, To: models.StatusRunning, StartedAt: &now,
	}); err != nil {
		t.Fatalf("move to running: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	n, err := sched.ReapOrphans(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("reap orphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped count = %d, want 1", n)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("task status = %s, want FAILED", got.Status)
	}
	if got.EndedAt == nil {
		t.Fatalf("ended_at not set on orphan-reaped task")
	}
}

func TestReapOrphansLeavesFreshTasksAlone(t *testing.T) {
	st := testStore(t)
	sched := testScheduler(t, st)
	ctx := context.Background()

	clientID := seedClient(t, st)
	task, _, err := st.CreateTask(ctx, store.SubmitParams{ClientID: clientID, FlowID: "f2", Filename: "flow.yaml"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	now := time.Now().UTC()
	if err := st.ApplyTransition(ctx, store.CASTransition{
		TaskID: task.ID, From: models.StatusPending, To: models.StatusRunning, StartedAt: &now,
	}); err != nil {
		t.Fatalf("move to running: %v", err)
	}

	n, err := sched.ReapOrphans(ctx, time.Hour)
	if err != nil {
		t.Fatalf("reap orphans: %v", err)
	}
	if n != 0 {
		t.Fatalf("reaped count = %d, want 0 for a recently-updated task", n)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusRunning {
		t.Fatalf("task status = %s, want RUNNING (untouched)", got.Status)
	}
}

func TestReapOrphansReenqueuesStalePendingTask(t *testing.T) {
	st := testStore(t)
	sched := testScheduler(t, st)
	ctx := context.Background()

	clientID := seedClient(t, st)
	task, _, err := st.CreateTask(ctx, store.SubmitParams{ClientID: clientID, FlowID: "f3", Filename: "flow.yaml"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	n, err := sched.ReapOrphans(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("reap orphans: %v", err)
	}
	if n != 0 {
		t.Fatalf("reaped count = %d, want 0 (pending tasks are re-enqueued, not failed)", n)
	}

	depth, err := sched.queue.Depth(ctx)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1 after re-enqueueing the orphaned pending task", depth)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("task status = %s, want PENDING (reap does not change status for pending tasks)", got.Status)
	}
}
