// Package mediator runs one single-writer actor goroutine per active task,
// the sole owner of that task's PendingInputTable entry and of the
// WAITING_FOR_INPUT <-> RUNNING flip. The Scheduler starts an actor on
// dispatch and stops it on task completion; the HTTP Input Endpoint and the
// WebSocket Gateway submit input_response envelopes through channels rather
// than writing task state themselves, which is what makes the flip race-free.
package mediator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowrunner/internal/apierr"
	"flowrunner/internal/bus"
	"flowrunner/internal/models"
	"flowrunner/internal/store"
	"flowrunner/internal/taskfsm"
	"flowrunner/internal/telemetry"
)

// pendingInput is the at-most-one outstanding input_request for a task.
type pendingInput struct {
	requestID string
	deadline  time.Time
}

type submission struct {
	env    models.Envelope
	result chan error
}

// Actor mediates one task's I/O. Every field it owns is only ever touched
// from its own run loop; everything else communicates with it by channel.
type Actor struct {
	taskID         string
	defaultTimeout time.Duration

	bus    *bus.Bus
	store  *store.Store
	logger *slog.Logger

	inbox      chan submission
	done       chan struct{}
	violations chan string
	cancel     context.CancelFunc

	pending *pendingInput
}

// Registry tracks the live Actor for every currently-running task.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor
	bus    *bus.Bus
	store  *store.Store
	logger *slog.Logger
}

// NewRegistry builds an empty actor registry.
func NewRegistry(b *bus.Bus, st *store.Store, logger *slog.Logger) *Registry {
	return &Registry{actors: make(map[string]*Actor), bus: b, store: st, logger: logger}
}

// Start creates and runs a new Actor for taskID, replacing any previous
// entry (callers are expected to Remove on completion before a resubmit
// could ever reuse an id, but Start is defensive regardless).
func (r *Registry) Start(ctx context.Context, taskID string, defaultTimeout time.Duration) *Actor {
	actorCtx, cancel := context.WithCancel(ctx)
	a := &Actor{
		taskID:         taskID,
		defaultTimeout: defaultTimeout,
		bus:            r.bus,
		store:          r.store,
		logger:         r.logger,
		inbox:          make(chan submission),
		done:           make(chan struct{}),
		violations:     make(chan string, 1),
		cancel:         cancel,
	}
	r.mu.Lock()
	r.actors[taskID] = a
	r.mu.Unlock()

	go func() {
		a.run(actorCtx)
		cancel()
		r.mu.Lock()
		delete(r.actors, taskID)
		r.mu.Unlock()
	}()
	return a
}

// Violations reports fatal protocol violations (duplicate outstanding
// input_request) detected for this task. The worker loop that owns the
// Supervisor handle is responsible for the FAILED transition and for
// terminating the child process; the Mediator only detects and reports.
func (a *Actor) Violations() <-chan string { return a.violations }

// Stop ends the actor immediately. Needed when a task never reaches a
// point where it would observe its own termination envelope, e.g. the
// child failed to launch after the actor was started to close the
// subscribe-before-launch race.
func (a *Actor) Stop() { a.cancel() }

// Get returns the live actor for a task, if it is currently running.
func (r *Registry) Get(taskID string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[taskID]
	return a, ok
}

// SubmitInputResponse routes an input_response envelope to a task's actor,
// wherever it came from (C6 WebSocket, C7 HTTP). Returns apierr.NotWaiting
// if the task has no outstanding request, apierr.InputMismatch on a
// request_id that doesn't match the outstanding one.
func (a *Actor) SubmitInputResponse(ctx context.Context, env models.Envelope) error {
	sub := submission{env: env, result: make(chan error, 1)}
	select {
	case a.inbox <- sub:
	case <-a.done:
		return apierr.New(apierr.NotWaiting, "task is no longer accepting input")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-sub.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor's single-writer loop: it owns a.pending exclusively and
// is the only goroutine that calls taskfsm.Next/store.ApplyTransition for
// this task's WAITING_FOR_INPUT transitions.
//
// Input requests are detected by following the task's durable output
// stream rather than subscribing to the ephemeral in-req Pub/Sub channel:
// the Scheduler starts this actor before the child is launched, so the
// stream-follow is always reading before the child can possibly write,
// and nothing is lost even if it were briefly behind (streams retain
// entries; Pub/Sub does not). Once a request is detected, the actor
// itself publishes on in-req so a live WebSocket subscriber is notified,
// per the child/Mediator sink-side contract.
func (a *Actor) run(ctx context.Context) {
	defer close(a.done)

	streamEvents := make(chan models.Envelope, 8)
	go a.followOutStream(ctx, streamEvents)

	ctrl := a.bus.SubscribeControl(ctx, a.taskID)
	defer ctrl.Close()
	control := ctrl.Channel()

	var timer *time.Timer
	var timerC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return

		case <-control:
			// Control messages (cancel, termination) end the actor; the
			// Cancellation Controller and Collector own the terminal
			// transition itself.
			return

		case env, ok := <-streamEvents:
			if !ok {
				return
			}
			if env.RequestID == nil {
				id := uuid.New().String()
				env.RequestID = &id
			}
			if a.pending != nil {
				a.logger.Error("protocol violation: duplicate outstanding input_request",
					"task_id", a.taskID, "existing", a.pending.requestID, "new", *env.RequestID)
				a.violations <- "duplicate outstanding input_request"
				return
			}
			timeout := a.defaultTimeout
			a.pending = &pendingInput{requestID: *env.RequestID, deadline: time.Now().Add(timeout)}
			telemetry.InputRequestsTotal.Inc()
			telemetry.WaitingInputGauge.Inc()
			if err := a.transitionWaiting(ctx); err != nil {
				a.logger.Warn("failed to record WAITING_FOR_INPUT", "task_id", a.taskID, "error", err)
			}
			if err := a.bus.PublishInputRequest(ctx, env); err != nil {
				a.logger.Warn("failed to publish input request", "task_id", a.taskID, "error", err)
			}
			stopTimer()
			timer = time.NewTimer(timeout)
			timerC = timer.C

		case <-timerC:
			if a.pending == nil {
				continue
			}
			a.logger.Info("input request timed out, synthesizing default response",
				"task_id", a.taskID, "request_id", a.pending.requestID)
			telemetry.InputTimeoutsTotal.Inc()
			a.resolve(ctx, models.Envelope{
				Type:      models.EnvelopeInputResponse,
				TaskID:    a.taskID,
				Timestamp: time.Now().UnixMilli(),
				RequestID: &a.pending.requestID,
				Data:      models.StringData("\n"),
			}, "timeout")
			stopTimer()

		case sub := <-a.inbox:
			sub.result <- a.handleSubmission(ctx, sub.env)
		}
	}
}

// followOutStream is the actor's sole reader of the task's durable output
// stream. It forwards only input_request entries onward; print and
// termination entries are read by the WebSocket Gateway's own follower and
// are of no interest to the Mediator itself, except that a termination
// entry ends the loop since no further input_request can legitimately
// follow one.
func (a *Actor) followOutStream(ctx context.Context, out chan<- models.Envelope) {
	defer close(out)
	lastID := "0"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		envs, next, err := a.bus.Follow(ctx, a.taskID, lastID, 5000)
		if err != nil {
			a.logger.Warn("mediator: follow output stream failed, retrying", "task_id", a.taskID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		lastID = next
		for _, env := range envs {
			switch env.Type {
			case models.EnvelopeInputRequest:
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			case models.EnvelopeTermination:
				// A termination envelope scoped to one prompt (carries that
				// prompt's request_id, e.g. the input-timeout hint below)
				// does not end the task; only an unscoped one does.
				if env.RequestID == nil {
					return
				}
			}
		}
	}
}

func (a *Actor) handleSubmission(ctx context.Context, env models.Envelope) error {
	if a.pending == nil {
		return apierr.New(apierr.NotWaiting, "task is not waiting for input")
	}
	if env.RequestID == nil || *env.RequestID != a.pending.requestID {
		return apierr.New(apierr.InputMismatch, "request_id does not match the outstanding input request")
	}
	a.resolve(ctx, env, "client")
	return nil
}

func (a *Actor) resolve(ctx context.Context, env models.Envelope, source string) {
	if err := a.bus.PublishInputResponse(ctx, env); err != nil {
		a.logger.Warn("failed to publish input response", "task_id", a.taskID, "error", err)
	}
	if source == "timeout" {
		hint := models.Envelope{
			Type: models.EnvelopeTermination, TaskID: a.taskID, Timestamp: time.Now().UnixMilli(),
			RequestID: env.RequestID, Data: models.StringData("input_timeout"),
		}
		if _, err := a.bus.Append(ctx, hint); err != nil {
			a.logger.Warn("failed to append input timeout hint", "task_id", a.taskID, "error", err)
		}
	}
	if err := a.bus.ClearPrompt(ctx, a.taskID); err != nil {
		a.logger.Warn("failed to clear mirrored prompt", "task_id", a.taskID, "error", err)
	}
	a.pending = nil
	telemetry.InputResponsesTotal.WithLabelValues(source).Inc()
	telemetry.WaitingInputGauge.Dec()
	if err := a.transitionRunning(ctx); err != nil {
		a.logger.Warn("failed to record RUNNING after input resolution", "task_id", a.taskID, "error", err)
	}
}

func (a *Actor) transitionWaiting(ctx context.Context) error {
	task, err := a.store.GetTask(ctx, a.taskID)
	if err != nil {
		return err
	}
	to, err := taskfsm.Next(task.Status, taskfsm.EventInputRequest)
	if err != nil {
		return err
	}
	reqID := a.pending.requestID
	return a.store.ApplyTransition(ctx, store.CASTransition{
		TaskID: a.taskID, From: task.Status, To: to,
		SetInputRequest: true, InputRequestID: &reqID,
	})
}

func (a *Actor) transitionRunning(ctx context.Context) error {
	task, err := a.store.GetTask(ctx, a.taskID)
	if err != nil {
		return err
	}
	to, err := taskfsm.Next(task.Status, taskfsm.EventInputResolved)
	if err != nil {
		return err
	}
	return a.store.ApplyTransition(ctx, store.CASTransition{
		TaskID: a.taskID, From: task.Status, To: to,
		SetInputRequest: true, InputRequestID: nil,
	})
}

