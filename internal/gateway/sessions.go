// ABOUTME: Session lifecycle operations of the gateway façade
// ABOUTME: Create, get, list, delete, resume, status changes, message history, and corrections

package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/session-gateway/internal/api"
	"github.com/2389/session-gateway/internal/engine"
	"github.com/2389/session-gateway/internal/session"
	"github.com/2389/session-gateway/internal/store"
)

// CreateSession stores a new session and starts its engine session.
func (g *Gateway) CreateSession(ctx context.Context, req api.CreateSessionRequest) (*api.Session, error) {
	typ := store.SessionType(strings.TrimSpace(req.Type))
	if typ == "" {
		typ = store.SessionTypeChat
	}
	if !typ.Valid() {
		return nil, invalid("unknown session type %q", req.Type)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = g.defaultModel()
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:           uuid.New().String(),
		Type:         typ,
		Status:       store.SessionStatusActive,
		Model:        model,
		SystemPrompt: req.SystemPrompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := g.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	entry, err := g.sessions.Ensure(ctx, paramsFor(sess, nil))
	if err != nil {
		if delErr := g.store.DeleteSession(context.WithoutCancel(ctx), sess.ID); delErr != nil {
			g.logger.Error("failed to roll back session", "session_id", sess.ID, "error", delErr)
		}
		return nil, fmt.Errorf("starting engine session: %w", err)
	}

	g.logger.Info("session created", "session_id", sess.ID, "type", sess.Type, "model", sess.Model, "mock", entry.MockMode())
	out := api.FromSession(sess, entry.MockMode())
	return &out, nil
}

// GetSession returns a stored session. Missing sessions yield store.ErrNotFound.
func (g *Gateway) GetSession(ctx context.Context, id string) (*api.Session, error) {
	sess, err := g.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	out := api.FromSession(sess, g.mockFor(id))
	return &out, nil
}

// mockFor reports mock mode for a session: the live handle's backend when
// there is one, the adapter's mode otherwise.
func (g *Gateway) mockFor(id string) bool {
	if e, err := g.sessions.Get(id); err == nil {
		return e.MockMode()
	}
	return g.engine.MockMode()
}

// ListSessions returns stored sessions, most recently active first.
func (g *Gateway) ListSessions(ctx context.Context, req api.ListSessionsRequest) (*api.SessionList, error) {
	filter := store.SessionFilter{
		Type:   store.SessionType(req.Type),
		Status: store.SessionStatus(req.Status),
		Limit:  req.Limit,
		Offset: req.Offset,
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, invalid("unknown session type %q", req.Type)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("unknown session status %q", req.Status)
	}
	if filter.Offset < 0 {
		return nil, invalid("offset must not be negative")
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}

	sessions, total, err := g.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	list := &api.SessionList{
		Sessions: make([]api.Session, 0, len(sessions)),
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}
	for _, s := range sessions {
		list.Sessions = append(list.Sessions, api.FromSession(s, g.mockFor(s.ID)))
	}
	return list, nil
}

// DeleteSession aborts any running stream, removes the stored session with
// its messages and destroys the engine session. It reports whether the
// session existed. The engine session goes last: an attach racing the
// delete either sees the row gone or registers a handle destroyed here.
func (g *Gateway) DeleteSession(ctx context.Context, id string) (bool, error) {
	g.aborts.Abort(id)
	err := g.store.DeleteSession(ctx, id)
	g.sessions.Destroy(id)

	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	g.logger.Info("session deleted", "session_id", id)
	return true, nil
}

// ResumeSession reattaches the engine to a stored session, recreating the
// engine session with the stored history when the engine no longer has it.
// Paused and closed sessions become active again.
func (g *Gateway) ResumeSession(ctx context.Context, id string) (*api.Session, error) {
	sess, err := g.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	entry, err := g.attach(ctx, sess, nil)
	if err != nil {
		return nil, err
	}

	if sess.Status != store.SessionStatusActive {
		if err := g.store.UpdateSessionStatus(ctx, id, store.SessionStatusActive); err != nil {
			return nil, fmt.Errorf("reactivating session: %w", err)
		}
		if sess, err = g.store.GetSession(ctx, id); err != nil {
			return nil, err
		}
	}

	g.logger.Info("session resumed", "session_id", id, "mock", entry.MockMode())
	out := api.FromSession(sess, entry.MockMode())
	return &out, nil
}

// UpdateSessionStatus pauses, closes or reactivates a session. Pausing or
// closing aborts a running stream; closing also releases the engine session.
func (g *Gateway) UpdateSessionStatus(ctx context.Context, id string, req api.UpdateSessionRequest) (*api.Session, error) {
	status := store.SessionStatus(strings.TrimSpace(req.Status))
	if !status.Valid() {
		return nil, invalid("unknown session status %q", req.Status)
	}

	if err := g.store.UpdateSessionStatus(ctx, id, status); err != nil {
		return nil, err
	}
	switch status {
	case store.SessionStatusPaused:
		g.aborts.Abort(id)
	case store.SessionStatusClosed:
		g.aborts.Abort(id)
		g.sessions.Destroy(id)
	}

	g.logger.Info("session status changed", "session_id", id, "status", status)
	return g.GetSession(ctx, id)
}

// ListMessages returns a session's messages in order.
func (g *Gateway) ListMessages(ctx context.Context, id string, limit, offset int) (*api.MessageList, error) {
	if limit < 0 || offset < 0 {
		return nil, invalid("limit and offset must not be negative")
	}
	if _, err := g.store.GetSession(ctx, id); err != nil {
		return nil, err
	}

	msgs, err := g.store.ListMessages(ctx, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	list := &api.MessageList{Messages: make([]api.Message, 0, len(msgs))}
	for _, m := range msgs {
		list.Messages = append(list.Messages, api.FromMessage(m))
	}
	return list, nil
}

// CorrectMessage replaces the content of one stored message. The engine's
// in-process history is not rewritten.
func (g *Gateway) CorrectMessage(ctx context.Context, id, messageID string, req api.CorrectMessageRequest) (*api.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, invalid("content is required")
	}

	unlock := g.appends.Lock(id)
	defer unlock()

	msg, err := g.store.UpdateMessageContent(ctx, id, messageID, req.Content)
	if err != nil {
		return nil, err
	}
	out := api.FromMessage(msg)
	return &out, nil
}

// attach returns the live engine entry for a stored session, resuming or
// recreating it from stored history when needed. The stored row is read
// again under the registry's session lock and must pass check, when given,
// so a delete or close that lands meanwhile leaves no handle behind.
func (g *Gateway) attach(ctx context.Context, sess *store.Session, check func(*store.Session) error) (*session.Entry, error) {
	if e, err := g.sessions.Get(sess.ID); err == nil {
		return e, nil
	}

	msgs, err := g.store.ListMessages(ctx, sess.ID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	params := paramsFor(sess, historyFrom(msgs))
	params.Verify = func(ctx context.Context) error {
		cur, err := g.store.GetSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		if check != nil {
			return check(cur)
		}
		return nil
	}
	entry, err := g.sessions.ResumeOrRecreate(ctx, params)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrInvalidRequest) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("attaching engine session: %w", err)
	}
	return entry, nil
}

func paramsFor(sess *store.Session, history []engine.Turn) session.Params {
	return session.Params{
		SessionID:    sess.ID,
		Type:         string(sess.Type),
		Model:        sess.Model,
		SystemPrompt: sess.SystemPrompt,
		History:      history,
	}
}

func historyFrom(msgs []*store.Message) []engine.Turn {
	turns := make([]engine.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == store.RoleSystem {
			continue
		}
		turns = append(turns, engine.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns
}
