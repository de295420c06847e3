// Package taskfsm implements the task status state machine as a pure
// transition function, so every component that changes a task's status
// (scheduler, mediator, cancellation controller) agrees on what moves are
// legal without duplicating the guard logic.
package taskfsm

import (
	"fmt"

	"flowrunner/internal/apierr"
	"flowrunner/internal/models"
)

// Event names the reason a transition is being attempted.
type Event string

const (
	EventDispatch      Event = "dispatch"       // PENDING -> RUNNING
	EventInputRequest  Event = "input_request"  // RUNNING -> WAITING_FOR_INPUT
	EventInputResolved Event = "input_resolved"  // WAITING_FOR_INPUT -> RUNNING
	EventComplete      Event = "complete"        // RUNNING -> COMPLETED
	EventFail          Event = "fail"            // PENDING/RUNNING/WAITING_FOR_INPUT -> FAILED
	EventCancel        Event = "cancel"          // any non-terminal -> CANCELLED
)

// transitions enumerates every legal (from, event) -> to move. Anything not
// listed here is rejected.
var transitions = map[models.Status]map[Event]models.Status{
	models.StatusPending: {
		EventDispatch: models.StatusRunning,
		EventCancel:   models.StatusCancelled,
		EventFail:     models.StatusFailed,
	},
	models.StatusRunning: {
		EventInputRequest: models.StatusWaitingForInput,
		EventComplete:     models.StatusCompleted,
		EventFail:         models.StatusFailed,
		EventCancel:       models.StatusCancelled,
	},
	models.StatusWaitingForInput: {
		EventInputResolved: models.StatusRunning,
		EventFail:          models.StatusFailed,
		EventCancel:        models.StatusCancelled,
	},
}

// Next computes the status that from transitions to on event, or an
// apierr.Conflict if the move is illegal. Terminal states never appear as
// keys in transitions, so any event from a terminal status is rejected here
// automatically — including a second cancel, which callers must treat as a
// no-op rather than calling Next again.
func Next(from models.Status, event Event) (models.Status, error) {
	moves, ok := transitions[from]
	if !ok {
		return "", apierr.New(apierr.Conflict, fmt.Sprintf("task in terminal status %s accepts no further events", from))
	}
	to, ok := moves[event]
	if !ok {
		return "", apierr.New(apierr.Conflict, fmt.Sprintf("event %s is not legal from status %s", event, from))
	}
	return to, nil
}

// CancelIsNoop reports whether a cancel request against a task currently in
// status should be treated as an idempotent success rather than an error:
// true once the task is already terminal.
func CancelIsNoop(status models.Status) bool {
	return status.IsTerminal()
}
