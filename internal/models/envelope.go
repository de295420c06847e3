package models

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType discriminates the Envelope payload.
type EnvelopeType string

const (
	EnvelopePrint         EnvelopeType = "print"
	EnvelopeInputRequest  EnvelopeType = "input_request"
	EnvelopeInputResponse EnvelopeType = "input_response"
	EnvelopeTermination   EnvelopeType = "termination"
	EnvelopeStatus        EnvelopeType = "status"
)

func (t EnvelopeType) valid() bool {
	switch t {
	case EnvelopePrint, EnvelopeInputRequest, EnvelopeInputResponse, EnvelopeTermination, EnvelopeStatus:
		return true
	default:
		return false
	}
}

// Envelope is the JSON unit of communication on the Stream Bus and wire
// format between child process, mediator and remote consumers.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	TaskID    string          `json:"task_id"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID *string         `json:"request_id,omitempty"`
	Password  *bool           `json:"password,omitempty"`

	// StreamID is the Redis-assigned id of the entry this envelope was read
	// from, when applicable. It is never part of the wire JSON.
	StreamID string `json:"-"`
}

// ParseEnvelope decodes and validates an incoming wire envelope, rejecting
// unknown variants at the boundary per the dynamic-envelope design note.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.valid() {
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return env, nil
}

// DataString returns Data as a plain string when it was encoded as a JSON
// string; ok is false for structured (object) payloads.
func (e Envelope) DataString() (string, bool) {
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return "", false
	}
	return s, true
}

// DedupKey identifies an envelope for at-least-once delivery dedup, per
// spec: (task_id, timestamp, type, request_id).
func (e Envelope) DedupKey() string {
	rid := ""
	if e.RequestID != nil {
		rid = *e.RequestID
	}
	return fmt.Sprintf("%s|%d|%s|%s", e.TaskID, e.Timestamp, e.Type, rid)
}

// StringData wraps a plain string value as json.RawMessage for Envelope.Data.
func StringData(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
