// ABOUTME: Wire types shared by the gateway, its HTTP and framed servers, and the client transports
// ABOUTME: JSON field names are camelCase and identical on every transport

package api

import (
	"time"

	"github.com/2389/session-gateway/internal/prompt"
	"github.com/2389/session-gateway/internal/store"
)

// Health status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Transport modes reported by the health probe.
const (
	ModeHTTP   = "http"
	ModeNative = "native"
)

// Session is the public view of a stored session.
type Session struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	MessageCount int       `json:"messageCount"`
	MockMode     bool      `json:"mockMode"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is the public view of a stored message.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Type         string `json:"type"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// UpdateSessionRequest is the body of PATCH /api/sessions/{id}.
type UpdateSessionRequest struct {
	Status string `json:"status"`
}

// ListSessionsRequest carries the query of GET /api/sessions.
type ListSessionsRequest struct {
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// SessionList is the response of GET /api/sessions.
type SessionList struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

// MessageList is the response of GET /api/sessions/{id}/messages.
type MessageList struct {
	Messages []Message `json:"messages"`
}

// ChatRequest is the body of both chat endpoints. Replace aborts a stream
// already running on the session instead of being rejected.
type ChatRequest struct {
	Prompt  string              `json:"prompt"`
	Context *prompt.PageContext `json:"context,omitempty"`
	Replace bool                `json:"replace,omitempty"`
}

// CorrectMessageRequest is the body of PATCH /api/sessions/{id}/messages/{messageId}.
type CorrectMessageRequest struct {
	Content string `json:"content"`
}

// DeleteResponse reports whether a session existed and was removed.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// AbortResponse reports whether a stream was running and was aborted.
type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

// Health is the health probe response.
type Health struct {
	Status     string `json:"status"`
	Mode       string `json:"mode"`
	Version    string `json:"version,omitempty"`
	Error      string `json:"error,omitempty"`
	MockMode   bool   `json:"mockMode"`
	MockReason string `json:"mockReason,omitempty"`
	Sessions   int    `json:"sessions"`
}

// Model describes a selectable model.
type Model struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default,omitempty"`
}

// ModelList is the response of GET /api/models.
type ModelList struct {
	Models   []Model `json:"models"`
	MockMode bool    `json:"mockMode"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FromSession converts a stored session.
func FromSession(s *store.Session, mock bool) Session {
	return Session{
		ID:           s.ID,
		Type:         string(s.Type),
		Status:       string(s.Status),
		Model:        s.Model,
		SystemPrompt: s.SystemPrompt,
		MessageCount: s.MessageCount,
		MockMode:     mock,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// FromMessage converts a stored message.
func FromMessage(m *store.Message) Message {
	return Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      string(m.Role),
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Metadata:  m.Metadata,
	}
}
