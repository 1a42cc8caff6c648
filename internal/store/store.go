// ABOUTME: Store interface and data types for session-gateway persistence
// ABOUTME: Defines Session and Message records and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// SessionType describes what a session is about.
type SessionType string

const (
	SessionTypeChat      SessionType = "chat"
	SessionTypePage      SessionType = "page"
	SessionTypeSelection SessionType = "selection"
	SessionTypeCode      SessionType = "code"
)

// Valid reports whether t is one of the known session types.
func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeChat, SessionTypePage, SessionTypeSelection, SessionTypeCode:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusPaused SessionStatus = "paused"
	SessionStatusClosed SessionStatus = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusPaused, SessionStatusClosed:
		return true
	}
	return false
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Session is the durable record of one conversation.
// MessageCount always equals the number of stored messages for the session.
type Session struct {
	ID           string
	Type         SessionType
	Status       SessionStatus
	Model        string
	SystemPrompt string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one turn within a session. Messages are append-only except for
// explicit content corrections.
type Message struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	Timestamp time.Time
	Metadata  map[string]any // attachments, tool calls, page context, engine mode
}

// SessionFilter narrows and paginates ListSessions.
type SessionFilter struct {
	Type   SessionType   // empty matches all
	Status SessionStatus // empty matches all
	Limit  int           // <= 0 means no limit
	Offset int
}

// Store defines the interface for session and message persistence
type Store interface {
	// CreateSession stores a new session. Returns ErrDuplicateSession if the id exists.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by ID. Returns ErrNotFound if missing.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns sessions ordered by most recent activity, plus the
	// total number of sessions matching the filter before pagination.
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, int, error)

	// UpdateSessionStatus changes a session's status. Returns ErrNotFound if missing.
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error

	// DeleteSession removes a session and all of its messages.
	// Returns ErrNotFound if missing.
	DeleteSession(ctx context.Context, id string) error

	// AppendMessage stores a message and increments the owning session's
	// message count in the same transaction. Returns ErrNotFound if the
	// session does not exist.
	AppendMessage(ctx context.Context, msg *Message) error

	// ListMessages returns a session's messages in chronological order.
	// limit <= 0 returns everything from offset on.
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*Message, error)

	// UpdateMessageContent replaces a message's content. The message count is
	// unchanged. Returns ErrNotFound if the message is not in the session.
	UpdateMessageContent(ctx context.Context, sessionID, messageID, content string) (*Message, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close closes the store
	Close() error
}
