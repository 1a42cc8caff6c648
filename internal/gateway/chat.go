// ABOUTME: Chat operations of the gateway façade: blocking send, streaming send, and abort
// ABOUTME: Enforces one in-flight call per session and persists user and assistant messages

package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/session-gateway/internal/abort"
	"github.com/2389/session-gateway/internal/api"
	"github.com/2389/session-gateway/internal/engine"
	"github.com/2389/session-gateway/internal/prompt"
	"github.com/2389/session-gateway/internal/session"
	"github.com/2389/session-gateway/internal/store"
	"github.com/2389/session-gateway/internal/stream"
)

const (
	engineModeMock = "mock"
	engineModeLive = "live"
)

type chatCall struct {
	sess  *store.Session
	entry *session.Entry
	text  string // assembled engine input
	shown string // what the user typed, stored as the user message
}

func (c *chatCall) engineMode() string {
	if c.entry.MockMode() {
		return engineModeMock
	}
	return engineModeLive
}

// prepareChat validates the request and resolves the session and its engine
// entry. Nothing reaches the engine when validation fails.
func (g *Gateway) prepareChat(ctx context.Context, id string, req api.ChatRequest) (*chatCall, error) {
	shown := strings.TrimSpace(req.Prompt)
	if shown == "" && req.Context != nil {
		shown = strings.TrimSpace(req.Context.SelectedText)
	}
	if shown == "" {
		return nil, invalid("prompt is required")
	}
	if g.opts.MaxPromptBytes > 0 && len(req.Prompt) > g.opts.MaxPromptBytes {
		return nil, invalid("prompt exceeds %d bytes", g.opts.MaxPromptBytes)
	}

	text, err := g.assembler.Assemble(req.Prompt, req.Context)
	if errors.Is(err, prompt.ErrEmpty) {
		return nil, invalid("prompt is required")
	}
	if err != nil {
		return nil, invalid("%v", err)
	}
	if g.opts.MaxPromptBytes > 0 && len(text) > g.opts.MaxPromptBytes {
		return nil, invalid("prompt with context exceeds %d bytes", g.opts.MaxPromptBytes)
	}

	sess, err := g.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := chattable(sess); err != nil {
		return nil, err
	}

	entry, err := g.attach(ctx, sess, chattable)
	if err != nil {
		return nil, err
	}
	return &chatCall{sess: sess, entry: entry, text: text, shown: shown}, nil
}

func chattable(sess *store.Session) error {
	switch sess.Status {
	case store.SessionStatusClosed:
		return invalid("session is closed")
	case store.SessionStatusPaused:
		return invalid("session is paused")
	}
	return nil
}

// claim registers cancel as the session's in-flight call. Without replace
// a running call makes it fail with ErrStreamInProgress.
func (g *Gateway) claim(id string, replace bool, cancel func()) (abort.Token, error) {
	if replace || g.opts.ReplaceStreams {
		return g.aborts.Register(id, cancel), nil
	}
	token, ok := g.aborts.TryRegister(id, cancel)
	if !ok {
		return 0, ErrStreamInProgress
	}
	return token, nil
}

// appendMessage stores a message under the session's append lock.
func (g *Gateway) appendMessage(ctx context.Context, sessionID string, role store.Role, content string, metadata map[string]any) (*store.Message, error) {
	unlock := g.appends.Lock(sessionID)
	defer unlock()

	msg := &store.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := g.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("storing %s message: %w", role, err)
	}
	return msg, nil
}

func (g *Gateway) appendUserMessage(ctx context.Context, call *chatCall, req api.ChatRequest) (*store.Message, error) {
	meta := map[string]any{"engineMode": call.engineMode()}
	if req.Context != nil {
		meta["context"] = req.Context
	}
	return g.appendMessage(ctx, call.sess.ID, store.RoleUser, call.shown, meta)
}

// untilIdle retries fn while the engine reports the session busy. A call
// that was just aborted or replaced needs a moment to unwind.
func untilIdle[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	deadline := time.Now().Add(busyWait)
	for {
		v, err := fn()
		if !errors.Is(err, engine.ErrBusy) {
			return v, err
		}
		if time.Now().After(deadline) {
			return v, fmt.Errorf("%w: %v", ErrStreamInProgress, err)
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-time.After(busyPoll):
		}
	}
}

// SendChat runs one blocking round trip and returns the stored assistant
// message. The user message is stored before the engine is called.
func (g *Gateway) SendChat(ctx context.Context, id string, req api.ChatRequest) (*api.Message, error) {
	call, err := g.prepareChat(ctx, id, req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	token, err := g.claim(id, req.Replace, sync.OnceFunc(func() {
		cancel()
		g.sessions.Abort(id)
	}))
	if err != nil {
		return nil, err
	}
	defer g.aborts.Release(id, token)

	if _, err := g.appendUserMessage(ctx, call, req); err != nil {
		return nil, err
	}

	reply, err := untilIdle(callCtx, func() (string, error) {
		return g.sessions.Send(callCtx, id, call.text)
	})
	if errors.Is(err, session.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("chat aborted: %w", context.Canceled)
		}
		return nil, fmt.Errorf("engine send: %w", err)
	}

	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()
	msg, err := g.appendMessage(persistCtx, id, store.RoleAssistant, reply, map[string]any{"engineMode": call.engineMode()})
	if err != nil {
		return nil, err
	}

	out := api.FromMessage(msg)
	return &out, nil
}

// StreamChat starts a streamed reply. Events are read with Stream.Next; the
// caller must Close the stream. Cancelling ctx aborts the stream.
func (g *Gateway) StreamChat(ctx context.Context, id string, req api.ChatRequest) (*Stream, error) {
	call, err := g.prepareChat(ctx, id, req)
	if err != nil {
		return nil, err
	}

	engineCtx, cancelEngine := context.WithCancel(context.WithoutCancel(ctx))
	consumerCtx, stopConsumer := context.WithCancel(context.Background())

	st := &Stream{
		SessionID:    id,
		MockMode:     call.entry.MockMode(),
		stopConsumer: stopConsumer,
	}
	st.abort = sync.OnceFunc(func() {
		st.aborted.Store(true)
		if st.ended.Load() {
			return
		}
		cancelEngine()
		g.sessions.Abort(id)
		g.logger.Info("stream aborted", "session_id", id)
	})

	token, err := g.claim(id, req.Replace, st.abort)
	if err != nil {
		cancelEngine()
		stopConsumer()
		return nil, err
	}
	stopWatch := context.AfterFunc(ctx, st.abort)
	st.finish = sync.OnceFunc(func() {
		st.ended.Store(true)
		stopWatch()
		g.aborts.Release(id, token)
	})

	fail := func(err error) (*Stream, error) {
		st.finish()
		cancelEngine()
		stopConsumer()
		return nil, err
	}

	userMsg, err := g.appendUserMessage(ctx, call, req)
	if err != nil {
		return fail(err)
	}
	st.UserMessageID = userMsg.ID

	native, err := untilIdle(engineCtx, func() (<-chan engine.Event, error) {
		return g.sessions.Stream(engineCtx, id, call.text)
	})
	if errors.Is(err, session.ErrNotFound) {
		return fail(store.ErrNotFound)
	}
	if err != nil {
		return fail(fmt.Errorf("engine stream: %w", err))
	}

	mode := call.engineMode()
	persist := func(_ context.Context, c stream.Completion) (string, error) {
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		meta := map[string]any{"engineMode": mode}
		if len(c.ToolCalls) > 0 {
			meta["toolCalls"] = c.ToolCalls
		}
		msg, err := g.appendMessage(pctx, id, store.RoleAssistant, c.Content, meta)
		if err != nil {
			return "", err
		}
		return msg.ID, nil
	}

	events := make(chan stream.Event, g.opts.StreamBuffer)
	st.events = events
	translator := stream.NewTranslator(persist, g.logger)
	go func() {
		defer cancelEngine()
		defer st.finish()
		translator.Run(consumerCtx, native, events)
	}()

	g.logger.Debug("stream started", "session_id", id, "mock", st.MockMode)
	return st, nil
}

// Abort stops the session's running stream or send. It reports whether one
// was running; aborting an idle session is a no-op.
func (g *Gateway) Abort(id string) bool {
	return g.aborts.Abort(id)
}

// Streaming reports whether the session has a call in flight.
func (g *Gateway) Streaming(id string) bool {
	return g.aborts.Active(id)
}
