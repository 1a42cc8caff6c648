// ABOUTME: Tests for the eino-backed engine using an in-memory chat model
// ABOUTME: Covers history replay, chunk-to-event mapping, tool calls, errors, and abort

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/session-gateway/internal/config"
)

// fakeChatModel streams fixed chunks and records the inputs it saw.
type fakeChatModel struct {
	mu        sync.Mutex
	chunks    []*schema.Message
	streamErr error
	recvErr   error
	gate      chan struct{} // when set, each chunk waits for a token
	inputs    [][]*schema.Message
}

func (f *fakeChatModel) record(input []*schema.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
}

func (f *fakeChatModel) lastInput() []*schema.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.record(input)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	var b strings.Builder
	for _, c := range f.chunks {
		b.WriteString(c.Content)
	}
	return schema.AssistantMessage(b.String(), nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.record(input)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if f.gate == nil && f.recvErr == nil {
		return schema.StreamReaderFromArray(f.chunks), nil
	}

	reader, writer := schema.Pipe[*schema.Message](len(f.chunks) + 1)
	go func() {
		defer writer.Close()
		for _, c := range f.chunks {
			if f.gate != nil {
				select {
				case <-f.gate:
				case <-ctx.Done():
					writer.Send(nil, ctx.Err())
					return
				}
			}
			if writer.Send(c, nil) {
				return
			}
		}
		if f.recvErr != nil {
			writer.Send(nil, f.recvErr)
		}
	}()
	return reader, nil
}

func newTestEino(chat model.BaseChatModel) *EinoEngine {
	return NewEinoEngine(chat, config.EngineConfig{}, nil)
}

func TestEinoEngine_StreamMapsChunks(t *testing.T) {
	chat := &fakeChatModel{chunks: []*schema.Message{
		schema.AssistantMessage("Hello", nil),
		schema.AssistantMessage(", ", nil),
		schema.AssistantMessage("world", nil),
	}}
	e := newTestEino(chat)
	ctx := context.Background()

	h, err := e.Create(ctx, SessionConfig{SessionID: "s1", SystemPrompt: "be brief", Model: "m1"})
	require.NoError(t, err)
	assert.False(t, h.Mock)

	ch, err := e.Stream(ctx, h, "greet me")
	require.NoError(t, err)
	events := collect(t, ch)

	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		EventMessageDelta, EventMessageDelta, EventMessageDelta, EventMessage, EventIdle,
	}, types)
	assert.Equal(t, "Hello, world", events[3].String("content"))

	input := chat.lastInput()
	require.Len(t, input, 2)
	assert.Equal(t, schema.System, input[0].Role)
	assert.Equal(t, "be brief", input[0].Content)
	assert.Equal(t, "greet me", input[1].Content)
}

func TestEinoEngine_HistoryReplayedAndRecorded(t *testing.T) {
	chat := &fakeChatModel{chunks: []*schema.Message{schema.AssistantMessage("ok", nil)}}
	e := newTestEino(chat)
	ctx := context.Background()

	h, err := e.Create(ctx, SessionConfig{
		SessionID: "s1",
		History: []Turn{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		},
	})
	require.NoError(t, err)

	reply, err := e.Send(ctx, h, "next")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)

	ch, err := e.Stream(ctx, h, "and then")
	require.NoError(t, err)
	collect(t, ch)

	input := chat.lastInput()
	require.Len(t, input, 5)
	assert.Equal(t, "earlier question", input[0].Content)
	assert.Equal(t, schema.Assistant, input[1].Role)
	assert.Equal(t, "next", input[2].Content)
	assert.Equal(t, "ok", input[3].Content)
	assert.Equal(t, "and then", input[4].Content)
}

func TestEinoEngine_ToolCalls(t *testing.T) {
	toolChunk := schema.AssistantMessage("", []schema.ToolCall{{
		ID:       "call_1",
		Function: schema.FunctionCall{Name: "lookup", Arguments: `{"q":"go"}`},
	}})
	chat := &fakeChatModel{chunks: []*schema.Message{
		toolChunk,
		toolChunk,
		schema.AssistantMessage("done looking", nil),
	}}
	e := newTestEino(chat)
	ctx := context.Background()

	h, err := e.Create(ctx, SessionConfig{SessionID: "s1"})
	require.NoError(t, err)
	ch, err := e.Stream(ctx, h, "look it up")
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 5)
	assert.Equal(t, EventToolStart, events[0].Type)
	assert.Equal(t, "lookup", events[0].String("toolName"))
	assert.Equal(t, "call_1", events[0].String("toolCallId"))
	assert.Equal(t, EventMessageDelta, events[1].Type)
	assert.Equal(t, EventToolComplete, events[2].Type)
	assert.Equal(t, EventMessage, events[3].Type)
	assert.Equal(t, EventIdle, events[4].Type)
}

func TestEinoEngine_StreamErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("start failure", func(t *testing.T) {
		e := newTestEino(&fakeChatModel{streamErr: errors.New("connection refused")})
		h, err := e.Create(ctx, SessionConfig{SessionID: "s1"})
		require.NoError(t, err)

		ch, err := e.Stream(ctx, h, "hi")
		require.NoError(t, err)
		events := collect(t, ch)
		require.Len(t, events, 1)
		assert.Equal(t, EventError, events[0].Type)
		assert.Contains(t, events[0].String("message"), "connection refused")
	})

	t.Run("mid-stream failure", func(t *testing.T) {
		e := newTestEino(&fakeChatModel{
			chunks:  []*schema.Message{schema.AssistantMessage("partial", nil)},
			recvErr: errors.New("stream reset"),
		})
		h, err := e.Create(ctx, SessionConfig{SessionID: "s1"})
		require.NoError(t, err)

		ch, err := e.Stream(ctx, h, "hi")
		require.NoError(t, err)
		events := collect(t, ch)
		require.Len(t, events, 2)
		assert.Equal(t, EventMessageDelta, events[0].Type)
		assert.Equal(t, EventError, events[1].Type)
		assert.Contains(t, events[1].String("message"), "stream reset")
	})
}

func TestEinoEngine_Abort(t *testing.T) {
	gate := make(chan struct{}, 1)
	chat := &fakeChatModel{
		chunks: []*schema.Message{
			schema.AssistantMessage("one ", nil),
			schema.AssistantMessage("two", nil),
		},
		gate: gate,
	}
	e := newTestEino(chat)
	ctx := context.Background()

	h, err := e.Create(ctx, SessionConfig{SessionID: "s1"})
	require.NoError(t, err)
	ch, err := e.Stream(ctx, h, "count")
	require.NoError(t, err)

	gate <- struct{}{}
	select {
	case ev := <-ch:
		assert.Equal(t, EventMessageDelta, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no first chunk")
	}

	e.Abort(h)
	events := collect(t, ch)
	require.NotEmpty(t, events)
	assert.Equal(t, EventError, events[len(events)-1].Type)
	assert.Equal(t, true, events[len(events)-1].Data["aborted"])
}

func TestEinoEngine_ResumeDestroy(t *testing.T) {
	e := newTestEino(&fakeChatModel{})
	ctx := context.Background()

	_, err := e.Resume(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	h, err := e.Create(ctx, SessionConfig{SessionID: "s1", Model: "m"})
	require.NoError(t, err)
	resumed, err := e.Resume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "m", resumed.Model)

	require.NoError(t, e.Destroy(h))
	require.NoError(t, e.Destroy(h))
	_, err = e.Resume(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNewArkChatModel_MissingCredentials(t *testing.T) {
	_, err := NewArkChatModel(context.Background(), config.EngineConfig{})
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}
