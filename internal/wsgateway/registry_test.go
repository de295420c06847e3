package wsgateway

import (
	"context"
	"testing"
	"time"

	"flowrunner/internal/apierr"
)

func TestRegistryGetOrCreateReturnsSameManagerForSameTask(t *testing.T) {
	r := NewRegistry(context.Background(), testBus(t), 10, 4, 4, discardLogger())

	a, err := r.GetOrCreate("task-1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	b, err := r.GetOrCreate("task-1")
	if err != nil {
		t.Fatalf("get or create again: %v", err)
	}
	if a != b {
		t.Fatalf("expected the same Manager instance for repeated calls on the same task")
	}
}

func TestRegistryGetOrCreateRejectsPastMaxActiveTasks(t *testing.T) {
	r := NewRegistry(context.Background(), testBus(t), 1, 4, 4, discardLogger())

	if _, err := r.GetOrCreate("task-1"); err != nil {
		t.Fatalf("first task should be admitted: %v", err)
	}
	_, err := r.GetOrCreate("task-2")
	if apierr.KindOf(err) != apierr.QuotaExceeded {
		t.Fatalf("expected apierr.QuotaExceeded once maxActiveTasks is reached, got %v", err)
	}
}

func TestRegistryRemoveIfEmptyFreesTheSlot(t *testing.T) {
	r := NewRegistry(context.Background(), testBus(t), 1, 4, 4, discardLogger())

	if _, err := r.GetOrCreate("task-1"); err != nil {
		t.Fatalf("get or create: %v", err)
	}
	r.RemoveIfEmpty("task-1")

	if _, err := r.GetOrCreate("task-2"); err != nil {
		t.Fatalf("expected task-2 to be admitted after task-1's empty manager was removed: %v", err)
	}
}

func TestRegistryExpireIdleRemovesOnlyEmptyManagersPastTheThreshold(t *testing.T) {
	r := NewRegistry(context.Background(), testBus(t), 10, 4, 4, discardLogger())

	mgrIdle, err := r.GetOrCreate("idle-task")
	if err != nil {
		t.Fatalf("get or create idle-task: %v", err)
	}
	_ = mgrIdle

	mgrBusy, err := r.GetOrCreate("busy-task")
	if err != nil {
		t.Fatalf("get or create busy-task: %v", err)
	}
	remove, _, err := mgrBusy.AddClient(context.Background(), newFakeConn(4), nil)
	if err != nil {
		t.Fatalf("add client: %v", err)
	}
	defer remove()

	removed := r.ExpireIdle(0)
	if removed != 1 {
		t.Fatalf("expected exactly the idle, client-less manager to be removed, removed = %d", removed)
	}

	activeTasks, _ := r.Stats()
	if activeTasks != 1 {
		t.Fatalf("active tasks after sweep = %d, want 1 (busy-task retained)", activeTasks)
	}

	time.Sleep(0) // keep time import honest across platforms without a real sleep dependency
}
