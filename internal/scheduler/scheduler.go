// Package scheduler implements admission (C5): quota and permission checks
// before a submission is recorded, FIFO dispatch to a fixed-size worker
// pool, and the end-to-end worker control loop that wires the Process
// Supervisor, I/O Mediator, Cancellation Controller and Result Collector
// together for a single task.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"flowrunner/internal/apierr"
	"flowrunner/internal/auth"
	"flowrunner/internal/bus"
	"flowrunner/internal/cancel"
	"flowrunner/internal/collector"
	"flowrunner/internal/mediator"
	"flowrunner/internal/models"
	"flowrunner/internal/objectstore"
	"flowrunner/internal/store"
	"flowrunner/internal/supervisor"
	"flowrunner/internal/taskfsm"
	"flowrunner/internal/telemetry"
)

// Config holds the scheduler's tunables, all sourced from internal/config.
type Config struct {
	MaxJobs             int
	WorkDir             string
	FlowRunnerCommand   []string // argv template; task-specific args are appended
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	DefaultInputTimeout time.Duration
	MaxTaskDuration     time.Duration
	CancelGracePeriod   time.Duration
	TaskRetention       time.Duration
}

// Scheduler is the admission and dispatch core.
type Scheduler struct {
	cfg       Config
	queue     *Queue
	store     *store.Store
	bus       *bus.Bus
	oracle    auth.PermissionOracle
	mediators *mediator.Registry
	cancels   *cancel.Registry
	collector *collector.Collector
	objStore  objectstore.Store
	logger    *slog.Logger
}

// New builds a Scheduler over already-constructed collaborators.
func New(cfg Config, queue *Queue, st *store.Store, b *bus.Bus, oracle auth.PermissionOracle, objStore objectstore.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		queue:     queue,
		store:     st,
		bus:       b,
		oracle:    oracle,
		mediators: mediator.NewRegistry(b, st, logger),
		cancels:   cancel.NewRegistry(),
		collector: collector.New(b, st, objStore, 3*time.Second, logger),
		objStore:  objStore,
		logger:    logger,
	}
}

// Mediators exposes the shared mediator Registry so the HTTP API and
// WebSocket gateway can route input_response frames to the same actors
// the worker pool starts.
func (s *Scheduler) Mediators() *mediator.Registry { return s.mediators }

// SubmitRequest collects a task submission's inputs.
type SubmitRequest struct {
	ClientID            string
	FlowID              string
	Filename            string
	FlowBlob            io.Reader
	InputTimeoutSeconds int
	MaxDurationSeconds  int
	IdempotencyKey      string
}

// Submit runs the admission policy (the permission oracle's rate-limit and
// active-task quota checks), records the task, and enqueues it for dispatch
// in FIFO order.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (models.Task, error) {
	if err := s.oracle.Allow(ctx, req.ClientID); err != nil {
		telemetry.TasksRejected.WithLabelValues(string(apierr.KindOf(err))).Inc()
		return models.Task{}, err
	}

	if req.InputTimeoutSeconds <= 0 {
		req.InputTimeoutSeconds = int(s.cfg.DefaultInputTimeout.Seconds())
	}
	if req.MaxDurationSeconds <= 0 {
		req.MaxDurationSeconds = int(s.cfg.MaxTaskDuration.Seconds())
	}

	task, reused, err := s.store.CreateTask(ctx, store.SubmitParams{
		ClientID:            req.ClientID,
		FlowID:              req.FlowID,
		Filename:            req.Filename,
		InputTimeoutSeconds: req.InputTimeoutSeconds,
		MaxDurationSeconds:  req.MaxDurationSeconds,
		IdempotencyKey:      req.IdempotencyKey,
	})
	if err != nil {
		return models.Task{}, err
	}
	if reused {
		return task, nil
	}

	key := uploadKey(task.ID, task.Filename)
	if _, err := s.objStore.Put(ctx, key, req.FlowBlob, "application/octet-stream"); err != nil {
		return models.Task{}, err
	}

	_ = s.store.AppendAudit(ctx, task.ID, "submitted", task.FlowID)
	telemetry.TasksSubmitted.Inc()
	telemetry.ActiveTasksGauge.Inc()

	if err := s.queue.Enqueue(ctx, task.ID); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// Cancel routes an explicit cancellation request to a task's live
// Controller, or performs the pre-dispatch cancel itself when the task
// hasn't been picked up by a worker yet.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return models.Task{}, err
	}
	if task.Status.IsTerminal() {
		return task, nil // idempotent
	}

	if c, ok := s.cancels.Get(taskID); ok {
		c.Cancel("client request")
		<-c.Done()
		return s.store.GetTask(ctx, taskID)
	}

	// Not yet dispatched: cancel directly without a Controller/Supervisor.
	to, err := taskfsm.Next(task.Status, taskfsm.EventCancel)
	if err != nil {
		return models.Task{}, err
	}
	now := time.Now().UTC()
	reason := "client request"
	if err := s.store.ApplyTransition(ctx, store.CASTransition{
		TaskID: taskID, From: task.Status, To: to, EndedAt: &now, ResultReason: &reason,
	}); err != nil {
		return models.Task{}, err
	}
	telemetry.TasksCancelled.Inc()
	_ = s.store.AppendAudit(ctx, taskID, "cancel", reason)
	return s.store.GetTask(ctx, taskID)
}

// Run starts MaxJobs worker goroutines, each pulling task ids off the
// shared FIFO queue and running them to completion one at a time, after
// logging the ready queue's depth at startup.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.reconcile(ctx); err != nil {
		s.logger.Warn("scheduler: reconcile on startup failed", "error", err)
	}

	for i := 0; i < s.cfg.MaxJobs; i++ {
		go s.workerLoop(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *Scheduler) reconcile(ctx context.Context) error {
	// Only the ready queue's depth is logged here; the queue itself survives
	// a scheduler restart since it lives in Redis. Tasks stuck PENDING from a
	// crash between CreateTask and Enqueue are not re-queued on startup; only
	// ReapOrphans re-enqueues stale PENDING tasks.
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("scheduler: starting", "ready_queue_depth", depth)
	return nil
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		taskID, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("scheduler: dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		s.runTask(ctx, taskID)
	}
}

func (s *Scheduler) runTask(ctx context.Context, taskID string) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Warn("scheduler: task vanished before dispatch", "task_id", taskID, "error", err)
		return
	}
	if task.Status.IsTerminal() {
		return // cancelled before dispatch
	}

	to, err := taskfsm.Next(task.Status, taskfsm.EventDispatch)
	if err != nil {
		s.logger.Warn("scheduler: cannot dispatch task", "task_id", taskID, "error", err)
		return
	}
	now := time.Now().UTC()
	if err := s.store.ApplyTransition(ctx, store.CASTransition{
		TaskID: taskID, From: task.Status, To: to, StartedAt: &now,
	}); err != nil {
		s.logger.Warn("scheduler: dispatch transition failed", "task_id", taskID, "error", err)
		return
	}
	telemetry.WorkerSlotsGauge.Inc()
	defer telemetry.WorkerSlotsGauge.Dec()

	workDir, err := s.prepareWorkDir(ctx, task)
	if err != nil {
		s.failInfrastructure(ctx, taskID, err)
		return
	}

	// The Mediator actor is started before the child is launched so it is
	// already following the task's output stream before the child could
	// possibly write to it; starting it after Launch would let a child
	// that emits input_request immediately go undetected.
	actor := s.mediators.Start(ctx, taskID, time.Duration(task.InputTimeoutSeconds)*time.Second)

	handle, err := supervisor.Launch(ctx, s.launchSpec(task, workDir), s.logger)
	if err != nil {
		actor.Stop()
		s.failInfrastructure(ctx, taskID, err)
		os.RemoveAll(workDir)
		return
	}

	controller := s.cancels.Start(ctx, taskID, s.bus, s.store, handle, time.Duration(task.MaxDurationSeconds)*time.Second, s.cfg.CancelGracePeriod, s.logger)

	select {
	case err := <-handle.Done():
		s.finishByExit(ctx, taskID, handle, err)
	case reason := <-actor.Violations():
		s.failProtocol(ctx, taskID, handle, reason)
	case <-controller.Done():
		// Controller already moved the task to its terminal status.
		handle.Wait()
	}

	telemetry.ActiveTasksGauge.Dec()
	s.collector.Finalize(context.Background(), taskID, workDir)
}

func (s *Scheduler) finishByExit(ctx context.Context, taskID string, handle *supervisor.Handle, exitErr error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil || task.Status.IsTerminal() {
		return // the Controller beat us to a terminal transition
	}

	event := taskfsm.EventComplete
	reason := ""
	if exitErr != nil || handle.ExitCode() != 0 {
		event = taskfsm.EventFail
		reason = "nonzero_exit"
	}
	to, err := taskfsm.Next(task.Status, event)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	if err := s.store.ApplyTransition(ctx, store.CASTransition{
		TaskID: taskID, From: task.Status, To: to, EndedAt: &now, ResultReason: &reason,
	}); err != nil {
		return
	}
	if to == models.StatusCompleted {
		telemetry.TasksCompleted.Inc()
	} else {
		telemetry.TasksFailed.Inc()
	}
}

func (s *Scheduler) failProtocol(ctx context.Context, taskID string, handle *supervisor.Handle, reason string) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil || task.Status.IsTerminal() {
		return
	}
	to, err := taskfsm.Next(task.Status, taskfsm.EventFail)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	fullReason := fmt.Sprintf("protocol: %s", reason)
	if err := s.store.ApplyTransition(ctx, store.CASTransition{
		TaskID: taskID, From: task.Status, To: to, EndedAt: &now, ResultReason: &fullReason,
	}); err != nil {
		return
	}
	telemetry.TasksFailed.Inc()
	_ = s.store.AppendAudit(ctx, taskID, "protocol_violation", reason)
	_ = handle.Terminate(ctx, s.cfg.CancelGracePeriod)
}

func (s *Scheduler) failInfrastructure(ctx context.Context, taskID string, cause error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil || task.Status.IsTerminal() {
		return
	}
	to, err := taskfsm.Next(task.Status, taskfsm.EventFail)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	reason := "infrastructure"
	s.logger.Error("scheduler: infrastructure failure", "task_id", taskID, "error", cause)
	_ = s.store.ApplyTransition(ctx, store.CASTransition{
		TaskID: taskID, From: task.Status, To: to, EndedAt: &now, ResultReason: &reason,
	})
	telemetry.TasksFailed.Inc()
}

func (s *Scheduler) prepareWorkDir(ctx context.Context, task models.Task) (string, error) {
	dir, err := os.MkdirTemp(s.cfg.WorkDir, "task-*")
	if err != nil {
		return "", apierr.Wrap(apierr.InternalError, "create working directory", err)
	}
	body, err := s.objStore.Get(ctx, uploadKey(task.ID, task.Filename))
	if err != nil {
		return dir, err
	}
	defer body.Close()

	dest, err := os.Create(filepath.Join(dir, task.Filename))
	if err != nil {
		return dir, apierr.Wrap(apierr.InternalError, "materialize flow file", err)
	}
	defer dest.Close()
	if _, err := io.Copy(dest, body); err != nil {
		return dir, apierr.Wrap(apierr.InternalError, "copy flow file", err)
	}
	return dir, nil
}

func (s *Scheduler) launchSpec(task models.Task, workDir string) supervisor.Spec {
	args := append([]string{}, s.cfg.FlowRunnerCommand[1:]...)
	args = append(args,
		"--task-id", task.ID,
		"--flow-file", task.Filename,
		"--input-timeout", fmt.Sprint(task.InputTimeoutSeconds),
	)
	env := append(os.Environ(),
		fmt.Sprintf("FLOWRUNNER_TASK_ID=%s", task.ID),
		fmt.Sprintf("FLOWRUNNER_REDIS_ADDR=%s", s.cfg.RedisAddr),
		fmt.Sprintf("FLOWRUNNER_REDIS_PASSWORD=%s", s.cfg.RedisPassword),
		fmt.Sprintf("FLOWRUNNER_REDIS_DB=%d", s.cfg.RedisDB),
		// The child writes print, input_request and termination envelopes
		// to FLOWRUNNER_OUT_STREAM; the Mediator, not the child, publishes
		// on the in-req channel once it has detected one there.
		fmt.Sprintf("FLOWRUNNER_OUT_STREAM=%s", bus.OutStream(task.ID)),
		fmt.Sprintf("FLOWRUNNER_IN_RESPONSE_CHANNEL=%s", bus.InputResponseChannel(task.ID)),
	)
	return supervisor.Spec{
		TaskID:  task.ID,
		Command: s.cfg.FlowRunnerCommand[0],
		Args:    args,
		Env:     env,
		Dir:     workDir,
	}
}

// SweepLoop periodically deletes expired tasks' streams and archives,
// until ctx is cancelled.
func (s *Scheduler) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.collector.Sweep(ctx, s.cfg.TaskRetention)
			if err != nil {
				s.logger.Warn("scheduler: retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("scheduler: retention sweep complete", "tasks_removed", n)
			}
		}
	}
}

// ReapOrphans re-enqueues every PENDING task and fails every other
// non-terminal task whose last status update is older than staleAfter,
// returning how many it failed: a crash-recovery sweep for the standalone
// "scheduler" subcommand, covering tasks left behind when a server or
// worker process died without reaching a terminal transition. Tasks still
// owned by a live Controller/Actor in this same process are never stale
// enough to match, since their transitions keep updated_at fresh.
func (s *Scheduler) ReapOrphans(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	stale, err := s.store.StaleActiveTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, task := range stale {
		if task.Status == models.StatusPending {
			// Never dispatched; safe to hand back to the ready queue.
			if err := s.queue.Enqueue(ctx, task.ID); err != nil {
				s.logger.Warn("scheduler: failed to re-enqueue orphaned pending task", "task_id", task.ID, "error", err)
				continue
			}
			s.logger.Info("scheduler: re-enqueued orphaned pending task", "task_id", task.ID)
			continue
		}

		to, err := taskfsm.Next(task.Status, taskfsm.EventFail)
		if err != nil {
			continue
		}
		now := time.Now().UTC()
		reason := "infrastructure: orphaned task reaped by scheduler reconciler"
		if err := s.store.ApplyTransition(ctx, store.CASTransition{
			TaskID: task.ID, From: task.Status, To: to, EndedAt: &now, ResultReason: &reason,
		}); err != nil {
			s.logger.Warn("scheduler: failed to reap orphaned task", "task_id", task.ID, "error", err)
			continue
		}
		telemetry.TasksFailed.Inc()
		_ = s.store.AppendAudit(ctx, task.ID, "orphan_reaped", reason)
		reaped++
	}
	return reaped, nil
}

// ReconcileLoop runs ReapOrphans and the retention Sweep on a fixed
// interval, for the standalone "scheduler" subcommand.
func (s *Scheduler) ReconcileLoop(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ReapOrphans(ctx, staleAfter); err != nil {
				s.logger.Warn("scheduler: orphan reap failed", "error", err)
			} else if n > 0 {
				s.logger.Info("scheduler: reaped orphaned tasks", "count", n)
			}
			if n, err := s.collector.Sweep(ctx, s.cfg.TaskRetention); err != nil {
				s.logger.Warn("scheduler: retention sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("scheduler: retention sweep complete", "tasks_removed", n)
			}
		}
	}
}

// Download exposes a finished task's archived results for the HTTP API.
func (s *Scheduler) Download(ctx context.Context, taskID string) (io.ReadCloser, error) {
	return s.collector.Download(ctx, taskID)
}

func uploadKey(taskID, filename string) string {
	return fmt.Sprintf("uploads/%s/%s", taskID, filename)
}

// NewIdempotencyKey generates an opaque key for callers that want one
// assigned rather than supplying their own Idempotency-Key header value.
func NewIdempotencyKey() string {
	return uuid.New().String()
}
