// ABOUTME: Real engine backed by a cloudwego/eino chat model (Volcengine Ark in production)
// ABOUTME: Keeps per-session history in process and turns eino stream chunks into native events

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/2389/session-gateway/internal/config"
)

// EinoEngine runs conversations against an eino BaseChatModel.
type EinoEngine struct {
	model    model.BaseChatModel
	sessions *sessionTable
	opts     []model.Option
	logger   *slog.Logger
}

// NewEinoEngine wraps chat. Temperature and max tokens from cfg are applied
// to every call.
func NewEinoEngine(chat model.BaseChatModel, cfg config.EngineConfig, logger *slog.Logger) *EinoEngine {
	if logger == nil {
		logger = slog.Default()
	}
	var opts []model.Option
	if cfg.Temperature != nil {
		opts = append(opts, model.WithTemperature(*cfg.Temperature))
	}
	if cfg.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*cfg.MaxTokens))
	}
	return &EinoEngine{
		model:    chat,
		sessions: newSessionTable(),
		opts:     opts,
		logger:   logger.With("component", "eino-engine"),
	}
}

// NewArkChatModel builds the Volcengine Ark chat model described by cfg.
func NewArkChatModel(ctx context.Context, cfg config.EngineConfig) (model.BaseChatModel, error) {
	if !cfg.HasCredentials() {
		return nil, fmt.Errorf("%w: ark credentials missing (api_key or access_key + secret_key)", ErrEngineUnavailable)
	}

	chat, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		Region:      cfg.Region,
		APIKey:      cfg.APIKey,
		AccessKey:   cfg.AccessKey,
		SecretKey:   cfg.SecretKey,
		Model:       cfg.DefaultModel,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating ark chat model: %v", ErrEngineUnavailable, err)
	}
	return chat, nil
}

// Create registers a new conversation. History, if any, is replayed on every call.
func (e *EinoEngine) Create(ctx context.Context, cfg SessionConfig) (*Handle, error) {
	if _, err := e.sessions.create(cfg); err != nil {
		return nil, err
	}
	e.logger.Debug("created engine session", "session_id", cfg.SessionID, "model", cfg.Model, "history", len(cfg.History))
	return &Handle{SessionID: cfg.SessionID, Model: cfg.Model}, nil
}

// Resume returns a handle for a conversation this process already holds.
func (e *EinoEngine) Resume(ctx context.Context, sessionID string) (*Handle, error) {
	conv, ok := e.sessions.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	cfg, _ := conv.snapshot()
	return &Handle{SessionID: sessionID, Model: cfg.Model}, nil
}

// Send asks the model for a complete reply.
func (e *EinoEngine) Send(ctx context.Context, h *Handle, prompt string) (string, error) {
	conv, ok := e.sessions.get(h.SessionID)
	if !ok {
		return "", ErrSessionNotFound
	}

	callCtx, cancel := context.WithCancel(ctx)
	gen, err := conv.begin(cancel)
	if err != nil {
		cancel()
		return "", err
	}
	defer conv.end(gen)

	cfg, history := conv.snapshot()
	reply, err := e.model.Generate(callCtx, buildMessages(cfg, history, prompt), e.callOptions(cfg)...)
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}

	conv.record(prompt, reply.Content)
	return reply.Content, nil
}

// Stream starts a streaming generation.
func (e *EinoEngine) Stream(ctx context.Context, h *Handle, prompt string) (<-chan Event, error) {
	conv, ok := e.sessions.get(h.SessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	streamCtx, cancel := context.WithCancel(ctx)
	gen, err := conv.begin(cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	cfg, history := conv.snapshot()
	out := make(chan Event, defaultEventBuffer)
	go e.runStream(streamCtx, conv, gen, cfg, history, prompt, out)
	return out, nil
}

func (e *EinoEngine) runStream(ctx context.Context, conv *conversation, gen uint64, cfg SessionConfig, history []Turn, prompt string, out chan<- Event) {
	defer close(out)
	defer conv.end(gen)

	fail := func(err error) {
		if ctx.Err() != nil {
			emitTerminal(out, abortedEvent())
			return
		}
		e.logger.Warn("stream failed", "session_id", cfg.SessionID, "error", err)
		emitTerminal(out, errorEvent(err))
	}

	reader, err := e.model.Stream(ctx, buildMessages(cfg, history, prompt), e.callOptions(cfg)...)
	if err != nil {
		fail(fmt.Errorf("starting stream: %w", err))
		return
	}
	defer reader.Close()

	var chunks []*schema.Message
	var toolOrder []string
	seenTools := make(map[string]bool)

	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(fmt.Errorf("receiving chunk: %w", err))
			return
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)

		for _, tc := range chunk.ToolCalls {
			if tc.ID == "" || seenTools[tc.ID] {
				continue
			}
			seenTools[tc.ID] = true
			toolOrder = append(toolOrder, tc.ID)
			if !emit(ctx, out, Event{Type: EventToolStart, Data: map[string]any{"toolName": tc.Function.Name, "toolCallId": tc.ID}}) {
				fail(ctx.Err())
				return
			}
		}

		if chunk.Content != "" {
			if !emit(ctx, out, Event{Type: EventMessageDelta, Data: map[string]any{"deltaContent": chunk.Content}}) {
				fail(ctx.Err())
				return
			}
		}
	}

	if ctx.Err() != nil {
		fail(ctx.Err())
		return
	}

	for _, id := range toolOrder {
		if !emit(ctx, out, Event{Type: EventToolComplete, Data: map[string]any{"toolCallId": id}}) {
			fail(ctx.Err())
			return
		}
	}

	full := concatContent(chunks)
	conv.record(prompt, full)

	if !emit(ctx, out, Event{Type: EventMessage, Data: map[string]any{"content": full}}) {
		fail(ctx.Err())
		return
	}
	emit(ctx, out, Event{Type: EventIdle})
}

// Abort cancels the running generation for h, if any.
func (e *EinoEngine) Abort(h *Handle) {
	if h == nil {
		return
	}
	if conv, ok := e.sessions.get(h.SessionID); ok {
		conv.abort()
	}
}

// Destroy forgets the conversation. Unknown handles are ignored.
func (e *EinoEngine) Destroy(h *Handle) error {
	if h == nil {
		return nil
	}
	e.sessions.remove(h.SessionID)
	return nil
}

func (e *EinoEngine) callOptions(cfg SessionConfig) []model.Option {
	opts := append([]model.Option(nil), e.opts...)
	if cfg.Model != "" {
		opts = append(opts, model.WithModel(cfg.Model))
	}
	return opts
}

func buildMessages(cfg SessionConfig, history []Turn, prompt string) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)+2)
	if cfg.SystemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(cfg.SystemPrompt))
	}
	for _, turn := range history {
		switch turn.Role {
		case "assistant":
			msgs = append(msgs, schema.AssistantMessage(turn.Content, nil))
		case "system":
			msgs = append(msgs, schema.SystemMessage(turn.Content))
		default:
			msgs = append(msgs, schema.UserMessage(turn.Content))
		}
	}
	return append(msgs, schema.UserMessage(prompt))
}

// concatContent joins streamed chunks. ConcatMessages also merges tool call
// fragments; plain concatenation is the fallback when chunks disagree on role.
func concatContent(chunks []*schema.Message) string {
	if len(chunks) == 0 {
		return ""
	}
	if msg, err := schema.ConcatMessages(chunks); err == nil {
		return msg.Content
	}
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Content)
	}
	return b.String()
}
