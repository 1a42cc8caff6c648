// ABOUTME: Tests for the engine-to-canonical event translator
// ABOUTME: Covers ordering, message_complete reconciliation, error termination, and persistence

package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/session-gateway/internal/engine"
)

func runTranslator(t *testing.T, tr *Translator, native ...engine.Event) []Event {
	t.Helper()
	in := make(chan engine.Event, len(native))
	for _, ev := range native {
		in <- ev
	}
	close(in)

	out := make(chan Event, 16)
	go tr.Run(context.Background(), in, out)

	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("translator did not close its output")
		}
	}
}

func delta(s string) engine.Event {
	return engine.Event{Type: engine.EventMessageDelta, Data: map[string]any{"deltaContent": s}}
}

func idle() engine.Event { return engine.Event{Type: engine.EventIdle} }

func TestTranslator_OrderAndReconciledComplete(t *testing.T) {
	var persisted Completion
	tr := NewTranslator(func(ctx context.Context, c Completion) (string, error) {
		persisted = c
		return "msg-42", nil
	}, nil)

	got := runTranslator(t, tr,
		engine.Event{Type: engine.EventToolStart, Data: map[string]any{"toolName": "search", "toolCallId": "c1"}},
		delta("Hel"),
		engine.Event{Type: engine.EventToolComplete, Data: map[string]any{"toolCallId": "c1"}},
		delta("lo"),
		idle(),
	)

	assert.Equal(t, []Event{
		ToolStart{ToolName: "search", ToolCallID: "c1"},
		MessageDelta{DeltaContent: "Hel"},
		ToolComplete{ToolCallID: "c1"},
		MessageDelta{DeltaContent: "lo"},
		MessageComplete{Content: "Hello"},
		Done{MessageID: "msg-42"},
	}, got)
	assert.Equal(t, "Hello", persisted.Content)
	assert.Equal(t, []ToolCall{{Name: "search", CallID: "c1"}}, persisted.ToolCalls)
}

func TestTranslator_TerminalPayloadWins(t *testing.T) {
	var persisted string
	tr := NewTranslator(func(ctx context.Context, c Completion) (string, error) {
		persisted = c.Content
		return "m", nil
	}, nil)

	got := runTranslator(t, tr,
		delta("draft "),
		delta("text"),
		engine.Event{Type: engine.EventMessage, Data: map[string]any{"content": "final text"}},
		engine.Event{Type: engine.EventMessage, Data: map[string]any{"content": "duplicate"}},
		idle(),
	)

	completes := 0
	for _, ev := range got {
		if c, ok := ev.(MessageComplete); ok {
			completes++
			assert.Equal(t, "final text", c.Content)
		}
	}
	assert.Equal(t, 1, completes)
	assert.Equal(t, Done{MessageID: "m"}, got[len(got)-1])
	assert.Equal(t, "duplicate", persisted, "last terminal payload is persisted")
}

func TestTranslator_ErrorEndsStreamWithoutPersisting(t *testing.T) {
	var calls atomic.Int32
	tr := NewTranslator(func(ctx context.Context, c Completion) (string, error) {
		calls.Add(1)
		return "m", nil
	}, nil)

	got := runTranslator(t, tr,
		delta("par"),
		engine.Event{Type: engine.EventError, Data: map[string]any{"message": "rate limited"}},
		delta("ignored"),
		idle(),
	)

	assert.Equal(t, []Event{
		MessageDelta{DeltaContent: "par"},
		ErrorEvent{Message: "rate limited"},
		Done{},
	}, got)
	assert.Equal(t, int32(0), calls.Load())
}

func TestTranslator_ClosedWithoutIdle(t *testing.T) {
	tr := NewTranslator(nil, nil)
	got := runTranslator(t, tr, delta("a"))

	require.Len(t, got, 3)
	assert.Equal(t, ErrorEvent{Message: "stream ended before completion"}, got[1])
	assert.Equal(t, Done{}, got[2])
}

func TestTranslator_PersistFailureOmitsMessageID(t *testing.T) {
	tr := NewTranslator(func(ctx context.Context, c Completion) (string, error) {
		return "", errors.New("disk full")
	}, nil)

	got := runTranslator(t, tr, delta("x"), idle())
	assert.Equal(t, Done{}, got[len(got)-1])
}

func TestTranslator_PersistsExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	tr := NewTranslator(func(ctx context.Context, c Completion) (string, error) {
		calls.Add(1)
		return "m", nil
	}, nil)

	got := runTranslator(t, tr, delta("x"), idle(), idle())
	assert.Equal(t, int32(1), calls.Load())

	dones := 0
	for _, ev := range got {
		if _, ok := ev.(Done); ok {
			dones++
		}
	}
	assert.Equal(t, 1, dones)
}

func TestTranslator_StopsWhenContextEnds(t *testing.T) {
	tr := NewTranslator(nil, nil)
	in := make(chan engine.Event)
	out := make(chan Event) // never read

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		tr.Run(ctx, in, out)
		close(finished)
	}()

	in <- delta("blocked")
	cancel()
	in <- delta("drained")
	close(in)

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
