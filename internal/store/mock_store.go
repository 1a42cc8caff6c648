// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session   // keyed by session ID
	messages map[string][]*Message // keyed by session ID

	// AppendErr, when set, is returned by AppendMessage.
	AppendErr error
	// PingErr, when set, is returned by Ping.
	PingErr error
	// PingDelay makes Ping block until it elapses or ctx is done.
	PingDelay time.Duration
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

func copySession(s *Session) *Session {
	c := *s
	return &c
}

func copyMessage(m *Message) *Message {
	c := *m
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return ErrDuplicateSession
	}
	m.sessions[session.ID] = copySession(session)
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// ListSessions returns filtered sessions, most recently updated first.
func (m *MockStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if filter.Type != "" && s.Type != filter.Type {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		matched = append(matched, copySession(s))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

// UpdateSessionStatus changes a session's status.
func (m *MockStore) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteSession removes a session and its messages.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

// AppendMessage stores a message and bumps the session's count.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	s, ok := m.sessions[msg.SessionID]
	if !ok {
		return ErrNotFound
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], copyMessage(msg))
	s.MessageCount++
	s.UpdatedAt = msg.Timestamp.UTC()
	return nil
}

// ListMessages returns a session's messages in insertion order.
func (m *MockStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[sessionID]
	start := min(max(offset, 0), len(all))
	end := len(all)
	if limit > 0 {
		end = min(start+limit, len(all))
	}

	out := make([]*Message, 0, end-start)
	for _, msg := range all[start:end] {
		out = append(out, copyMessage(msg))
	}
	return out, nil
}

// UpdateMessageContent rewrites a stored message's content.
func (m *MockStore) UpdateMessageContent(ctx context.Context, sessionID, messageID, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages[sessionID] {
		if msg.ID != messageID {
			continue
		}
		msg.Content = content
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]any)
		}
		msg.Metadata["correctedAt"] = time.Now().UTC().Format(time.RFC3339)
		return copyMessage(msg), nil
	}
	return nil, ErrNotFound
}

// Ping reports PingErr after PingDelay.
func (m *MockStore) Ping(ctx context.Context) error {
	if m.PingDelay > 0 {
		select {
		case <-time.After(m.PingDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.PingErr
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
