// ABOUTME: Canonical stream events delivered to callers while a reply is generated
// ABOUTME: A closed set of variants with a {"type","data"} JSON encoding shared by every transport

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event type tags as they appear on the wire.
const (
	TypeMessageDelta    = "message_delta"
	TypeMessageComplete = "message_complete"
	TypeToolStart       = "tool_start"
	TypeToolComplete    = "tool_complete"
	TypeError           = "error"
	TypeDone            = "done"
)

// ErrUnknownEventType is returned when decoding an unrecognized type tag.
var ErrUnknownEventType = errors.New("unknown stream event type")

// Event is one of MessageDelta, MessageComplete, ToolStart, ToolComplete,
// ErrorEvent or Done. The set is closed; switch on the concrete type.
type Event interface {
	EventType() string
	sealed()
}

// MessageDelta carries the next piece of assistant text.
type MessageDelta struct {
	DeltaContent string `json:"deltaContent"`
}

// MessageComplete carries the full assistant text. At most one per stream.
type MessageComplete struct {
	Content string `json:"content"`
}

// ToolStart reports that the engine began a tool call.
type ToolStart struct {
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
}

// ToolComplete reports that a tool call finished.
type ToolComplete struct {
	ToolCallID string `json:"toolCallId"`
}

// ErrorEvent ends a stream unsuccessfully. A Done always follows it.
type ErrorEvent struct {
	Message string `json:"error"`
}

// Done is always the last event of a stream. MessageID is set when the
// assistant reply was persisted.
type Done struct {
	MessageID string `json:"messageId,omitempty"`
}

func (MessageDelta) EventType() string    { return TypeMessageDelta }
func (MessageComplete) EventType() string { return TypeMessageComplete }
func (ToolStart) EventType() string       { return TypeToolStart }
func (ToolComplete) EventType() string    { return TypeToolComplete }
func (ErrorEvent) EventType() string      { return TypeError }
func (Done) EventType() string            { return TypeDone }

func (MessageDelta) sealed()    {}
func (MessageComplete) sealed() {}
func (ToolStart) sealed()       {}
func (ToolComplete) sealed()    {}
func (ErrorEvent) sealed()      {}
func (Done) sealed()            {}

// IsTerminal reports whether ev may still be delivered after a stream was
// aborted: only ErrorEvent and Done qualify.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case ErrorEvent, Done:
		return true
	}
	return false
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Marshal encodes ev as {"type": ..., "data": {...}}.
func Marshal(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s data: %w", ev.EventType(), err)
	}
	return json.Marshal(envelope{Type: ev.EventType(), Data: data})
}

// Unmarshal decodes the {"type","data"} shape produced by Marshal.
func Unmarshal(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}
	return decode(env.Type, env.Data)
}

func decode(typ string, data json.RawMessage) (Event, error) {
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}

	var (
		ev  Event
		err error
	)
	switch typ {
	case TypeMessageDelta:
		var v MessageDelta
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeMessageComplete:
		var v MessageComplete
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeToolStart:
		var v ToolStart
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeToolComplete:
		var v ToolComplete
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeError:
		var v ErrorEvent
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeDone:
		var v Done
		err = json.Unmarshal(data, &v)
		ev = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s data: %w", typ, err)
	}
	return ev, nil
}
