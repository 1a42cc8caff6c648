// ABOUTME: Engine contract shared by the real (eino/ark) and mock conversational backends
// ABOUTME: Defines handles, session configuration, native event types, and engine errors

package engine

import (
	"context"
	"errors"
)

var (
	// ErrEngineUnavailable is returned when the backend cannot be reached.
	// The adapter answers it by switching to mock mode.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrSessionNotFound is returned by Resume when the engine has no state
	// for the session, for example after a process restart.
	ErrSessionNotFound = errors.New("engine session not found")

	// ErrSessionExists is returned by Create for an id that already has a
	// live engine session.
	ErrSessionExists = errors.New("engine session already exists")

	// ErrBusy is returned when a second call is started on a session that
	// is still generating.
	ErrBusy = errors.New("engine session busy")
)

// Native event types emitted on the channel returned by Stream. A stream
// ends with EventIdle on success or EventError on failure or abort, and the
// channel is closed right after.
const (
	EventMessageDelta  = "assistant.message_delta" // Data: deltaContent
	EventMessage       = "assistant.message"       // Data: content
	EventToolStart     = "tool.execution_start"    // Data: toolName, toolCallId
	EventToolComplete  = "tool.execution_complete" // Data: toolCallId
	EventError         = "session.error"           // Data: message, aborted
	EventIdle          = "session.idle"
	defaultEventBuffer = 64
)

// Event is one engine-native callback.
type Event struct {
	Type string
	Data map[string]any
}

// String returns Data[key] when it is a string.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Turn is one prior exchange replayed into a freshly created engine session.
type Turn struct {
	Role    string // user, assistant, system
	Content string
}

// SessionConfig describes the engine session to create.
type SessionConfig struct {
	SessionID    string
	Type         string
	Model        string
	SystemPrompt string
	History      []Turn
}

// Handle identifies a live engine session. Handles are owned by the session
// registry and never persisted.
type Handle struct {
	SessionID string
	Model     string
	Mock      bool
}

// ModelInfo describes a model the engine can serve.
type ModelInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default,omitempty"`
}

// Engine is a conversational backend.
type Engine interface {
	// Create starts an engine session.
	Create(ctx context.Context, cfg SessionConfig) (*Handle, error)

	// Resume reattaches to an existing engine session.
	Resume(ctx context.Context, sessionID string) (*Handle, error)

	// Send performs one blocking round trip and returns the full reply.
	Send(ctx context.Context, h *Handle, prompt string) (string, error)

	// Stream starts generation and returns immediately. Native events
	// arrive on the channel until a terminal event, then it is closed.
	// Cancelling ctx aborts the stream.
	Stream(ctx context.Context, h *Handle, prompt string) (<-chan Event, error)

	// Abort stops any generation running for the handle. No-op when idle.
	Abort(h *Handle)

	// Destroy releases the engine session. Safe on nil, unknown, or
	// already destroyed handles.
	Destroy(h *Handle) error
}
