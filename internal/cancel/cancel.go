// Package cancel implements the Cancellation & Timeout Controller: the sole
// owner of a task's transition to CANCELLED, triggered by an explicit client
// request or administrator action, and of the transition to FAILED
// (reason=timeout) when a max-duration timer fires. Input-timeout (affecting only the outstanding prompt, not the
// whole task) is owned by internal/mediator instead.
package cancel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"flowrunner/internal/apierr"
	"flowrunner/internal/bus"
	"flowrunner/internal/models"
	"flowrunner/internal/store"
	"flowrunner/internal/supervisor"
	"flowrunner/internal/taskfsm"
	"flowrunner/internal/telemetry"
)

// ProcessHandle is the subset of *supervisor.Handle the Controller needs;
// declared as an interface so tests can fake it.
type ProcessHandle interface {
	Terminate(ctx context.Context, grace time.Duration) error
}

var _ ProcessHandle = (*supervisor.Handle)(nil)

// Controller watches one task's clocks and control topic and is the only
// component allowed to move it to CANCELLED.
type Controller struct {
	taskID      string
	bus         *bus.Bus
	store       *store.Store
	handle      ProcessHandle
	maxDuration time.Duration
	grace       time.Duration
	logger      *slog.Logger

	cancelCh chan string
	done     chan struct{}
}

// Registry tracks the live Controller for every currently-running task.
type Registry struct {
	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewRegistry builds an empty controller registry.
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[string]*Controller)}
}

// Start creates, registers and runs a Controller for taskID.
func (r *Registry) Start(ctx context.Context, taskID string, b *bus.Bus, st *store.Store, handle ProcessHandle, maxDuration, grace time.Duration, logger *slog.Logger) *Controller {
	c := &Controller{
		taskID:      taskID,
		bus:         b,
		store:       st,
		handle:      handle,
		maxDuration: maxDuration,
		grace:       grace,
		logger:      logger,
		cancelCh:    make(chan string, 1),
		done:        make(chan struct{}),
	}
	r.mu.Lock()
	r.controllers[taskID] = c
	r.mu.Unlock()

	go func() {
		c.run(ctx)
		r.mu.Lock()
		delete(r.controllers, taskID)
		r.mu.Unlock()
	}()
	return c
}

// Get returns the live controller for a task, if it is currently running.
func (r *Registry) Get(taskID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[taskID]
	return c, ok
}

// Cancel requests cancellation for reason, idempotently. It does not block
// on the termination sequence completing.
func (c *Controller) Cancel(reason string) {
	select {
	case c.cancelCh <- reason:
	case <-c.done:
	default:
		// a cancel is already pending; the first reason wins.
	}
}

// Done is closed once the controller's run loop has exited (the task has
// reached a terminal status or the context was cancelled).
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	var maxDurationC <-chan time.Time
	if c.maxDuration > 0 {
		timer := time.NewTimer(c.maxDuration)
		defer timer.Stop()
		maxDurationC = timer.C
	}

	select {
	case <-ctx.Done():
		return
	case <-maxDurationC:
		c.doCancel(context.Background(), "timeout", models.StatusFailed)
	case reason := <-c.cancelCh:
		c.doCancel(context.Background(), reason, models.StatusCancelled)
	}
}

// doCancel performs the idempotent terminal transition and process
// teardown. toStatus is CANCELLED for explicit/administrator cancellation
// and FAILED (reason=timeout) for a max-duration overrun, per the exit
// interpretation table in the Process Supervisor contract.
func (c *Controller) doCancel(ctx context.Context, reason string, toStatus models.Status) {
	task, err := c.store.GetTask(ctx, c.taskID)
	if err != nil {
		c.logger.Warn("cancel: failed to load task", "task_id", c.taskID, "error", err)
		return
	}
	if task.Status.IsTerminal() {
		return // idempotent: cancel arriving after termination is a no-op
	}

	to, err := taskfsm.Next(task.Status, taskfsm.EventCancel)
	if err != nil {
		c.logger.Warn("cancel: illegal transition", "task_id", c.taskID, "error", err)
		return
	}
	if toStatus != models.StatusCancelled {
		to = toStatus
	}

	now := time.Now().UTC()
	resultReason := reason
	if err := c.store.ApplyTransition(ctx, store.CASTransition{
		TaskID: c.taskID, From: task.Status, To: to,
		EndedAt: &now, ResultReason: &resultReason,
	}); err != nil {
		if apierr.KindOf(err) != apierr.Conflict {
			c.logger.Warn("cancel: failed to apply transition", "task_id", c.taskID, "error", err)
		}
		return
	}

	if to == models.StatusCancelled {
		telemetry.TasksCancelled.Inc()
	} else {
		telemetry.TasksFailed.Inc()
	}
	_ = c.store.AppendAudit(ctx, c.taskID, "cancel", reason)

	if err := c.bus.PublishControl(ctx, c.taskID, []byte(reason)); err != nil {
		c.logger.Warn("cancel: failed to publish control message", "task_id", c.taskID, "error", err)
	}

	if err := c.handle.Terminate(ctx, c.grace); err != nil {
		c.logger.Warn("cancel: failed to terminate child process", "task_id", c.taskID, "error", err)
	}
}
