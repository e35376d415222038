package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType discriminates StreamEvent variants.
type EventType string

const (
	EventClaudeJSON      EventType = "claude_json"
	EventError           EventType = "error"
	EventContextOverflow EventType = "context_overflow"
	EventDone            EventType = "done"
	EventAborted         EventType = "aborted"
)

// ErrUnknownEventType is returned by ParseEvent for an unrecognized type tag.
var ErrUnknownEventType = errors.New("unknown stream event type")

// StreamEvent is one line of a turn's response stream. ClaudeJSON events
// carry an engine message in Data, untouched. Error and ContextOverflow
// carry a message in Error. Done and Aborted carry nothing.
type StreamEvent struct {
	Type  EventType       `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ClaudeJSONEvent wraps one engine message.
func ClaudeJSONEvent(data json.RawMessage) StreamEvent {
	return StreamEvent{Type: EventClaudeJSON, Data: data}
}

// ErrorEvent reports an execution failure with its raw message.
func ErrorEvent(msg string) StreamEvent {
	if msg == "" {
		msg = "unknown error"
	}
	return StreamEvent{Type: EventError, Error: msg}
}

// ContextOverflowEvent reports that the conversation no longer fits the
// engine's context window.
func ContextOverflowEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventContextOverflow, Error: msg}
}

// DoneEvent marks normal completion of a turn.
func DoneEvent() StreamEvent {
	return StreamEvent{Type: EventDone}
}

// AbortedEvent marks a turn ended by an explicit abort.
func AbortedEvent() StreamEvent {
	return StreamEvent{Type: EventAborted}
}

// IsTerminal reports whether e ends a turn's stream.
func (e StreamEvent) IsTerminal() bool {
	switch e.Type {
	case EventDone, EventError, EventContextOverflow, EventAborted:
		return true
	}
	return false
}

// ParseEvent decodes a single NDJSON line.
func ParseEvent(line []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("decode stream event: %w", err)
	}
	switch ev.Type {
	case EventClaudeJSON, EventError, EventContextOverflow, EventDone, EventAborted:
		return ev, nil
	}
	return StreamEvent{}, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
}
