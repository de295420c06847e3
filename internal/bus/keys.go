package bus

import "fmt"

// Keys centralizes the Redis key/channel names for a task's StreamSet so
// every component derives the same names from one place.

// OutStream is the per-task append-only output stream.
func OutStream(taskID string) string { return fmt.Sprintf("out:%s", taskID) }

// GlobalOutStream is the global output stream consumed by dashboards; it
// carries envelopes for tasks of all clients (see SPEC_FULL.md design notes).
const GlobalOutStream = "out:*"

// InputRequestChannel is the per-task channel carrying input_request
// envelopes from the mediator out to consumers.
func InputRequestChannel(taskID string) string { return fmt.Sprintf("in-req:%s", taskID) }

// InputResponseChannel is the per-task channel carrying input_response
// envelopes from consumers in to the mediator.
func InputResponseChannel(taskID string) string { return fmt.Sprintf("in-resp:%s", taskID) }

// ControlChannel is the per-task control/status channel used by the
// Cancellation & Timeout Controller.
func ControlChannel(taskID string) string { return fmt.Sprintf("ctl:%s", taskID) }

// LastPromptKey mirrors the most recent outstanding input_request so a late
// WebSocket subscriber can fetch the current prompt without racing the
// pub/sub publish.
func LastPromptKey(taskID string) string { return fmt.Sprintf("in-req-last:%s", taskID) }

// AllTaskKeys returns every Redis key/channel owned by a task's StreamSet,
// for bulk deletion on cleanup.
func AllTaskKeys(taskID string) []string {
	return []string{
		OutStream(taskID),
		InputRequestChannel(taskID),
		InputResponseChannel(taskID),
		ControlChannel(taskID),
		LastPromptKey(taskID),
	}
}
