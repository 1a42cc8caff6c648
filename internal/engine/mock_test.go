// ABOUTME: Tests for the deterministic mock engine
// ABOUTME: Covers intent templates, word streaming, abort, and session bookkeeping

package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
			return nil
		}
	}
}

func TestMockReply_Intents(t *testing.T) {
	tests := []struct {
		prompt string
		intent string
		marker string
	}{
		{"Please explain this:\nquantum entanglement", "explain", "Explanation:"},
		{"Translate to French:\ngood morning", "translate", "Translation:"},
		{"Summarize the page\nGo 1.25 release notes", "summarize", "Summary:"},
		{"Rewrite this more politely\nsend it now", "rewrite", "Rewritten:"},
		{"search for eino streaming", "search", "Search results:"},
		{"hello there", "chat", "currently unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.intent, func(t *testing.T) {
			reply := MockReply(tt.prompt)
			assert.Equal(t, tt.intent, reply.Intent)
			assert.Contains(t, reply.Text, tt.marker)
			assert.Equal(t, reply, MockReply(tt.prompt), "reply must be deterministic")
		})
	}
}

func TestMockReply_SubjectIsLastLineAndTruncated(t *testing.T) {
	reply := MockReply("explain\n\n" + strings.Repeat("x", 200) + "\n\n")
	assert.Contains(t, reply.Text, strings.Repeat("x", 80)+"...")
	assert.NotContains(t, reply.Text, strings.Repeat("x", 81))
}

func TestMockEngine_StreamWordByWord(t *testing.T) {
	m := NewMockEngine(0, nil)
	ctx := context.Background()

	h, err := m.Create(ctx, SessionConfig{SessionID: "s1", Model: "m"})
	require.NoError(t, err)
	assert.True(t, h.Mock)

	ch, err := m.Stream(ctx, h, "explain\nx")
	require.NoError(t, err)
	events := collect(t, ch)

	require.GreaterOrEqual(t, len(events), 3)
	var deltas strings.Builder
	for _, ev := range events[:len(events)-2] {
		require.Equal(t, EventMessageDelta, ev.Type)
		deltas.WriteString(ev.String("deltaContent"))
	}
	complete := events[len(events)-2]
	assert.Equal(t, EventMessage, complete.Type)
	assert.Equal(t, deltas.String(), complete.String("content"))
	assert.Contains(t, strings.ToLower(complete.String("content")), "explanation")
	assert.Equal(t, EventIdle, events[len(events)-1].Type)
}

func TestMockEngine_StreamToolEvents(t *testing.T) {
	m := NewMockEngine(0, nil)
	ctx := context.Background()
	h, err := m.Create(ctx, SessionConfig{SessionID: "s1"})
	require.NoError(t, err)

	ch, err := m.Stream(ctx, h, "search for go")
	require.NoError(t, err)
	events := collect(t, ch)

	require.Equal(t, EventToolStart, events[0].Type)
	assert.Equal(t, "web_search", events[0].String("toolName"))
	callID := events[0].String("toolCallId")
	assert.NotEmpty(t, callID)
	assert.Equal(t, EventMessageDelta, events[1].Type)
	assert.Equal(t, EventToolComplete, events[2].Type)
	assert.Equal(t, callID, events[2].String("toolCallId"))
}

func TestMockEngine_AbortStopsStream(t *testing.T) {
	m := NewMockEngine(20*time.Millisecond, nil)
	ctx := context.Background()
	h, err := m.Create(ctx, SessionConfig{SessionID: "s1"})
	require.NoError(t, err)

	ch, err := m.Stream(ctx, h, "explain\nsomething long enough to take a while")
	require.NoError(t, err)

	first := <-ch
	require.Equal(t, EventMessageDelta, first.Type)
	m.Abort(h)

	events := collect(t, ch)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, true, last.Data["aborted"])
	for _, ev := range events {
		assert.NotEqual(t, EventIdle, ev.Type)
	}

	// The session is usable again after an abort.
	ch, err = m.Stream(ctx, h, "hello")
	require.NoError(t, err)
	events = collect(t, ch)
	assert.Equal(t, EventIdle, events[len(events)-1].Type)
}

func TestMockEngine_BusyWhileStreaming(t *testing.T) {
	m := NewMockEngine(50*time.Millisecond, nil)
	ctx := context.Background()
	h, err := m.Create(ctx, SessionConfig{SessionID: "s1"})
	require.NoError(t, err)

	ch, err := m.Stream(ctx, h, "explain\nslowly")
	require.NoError(t, err)

	_, err = m.Stream(ctx, h, "again")
	assert.ErrorIs(t, err, ErrBusy)

	m.Abort(h)
	collect(t, ch)
}

func TestMockEngine_ResumeAndDestroy(t *testing.T) {
	m := NewMockEngine(0, nil)
	ctx := context.Background()

	_, err := m.Resume(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	h, err := m.Create(ctx, SessionConfig{SessionID: "s1", Model: "x"})
	require.NoError(t, err)
	_, err = m.Create(ctx, SessionConfig{SessionID: "s1"})
	assert.ErrorIs(t, err, ErrSessionExists)

	resumed, err := m.Resume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "x", resumed.Model)

	require.NoError(t, m.Destroy(h))
	require.NoError(t, m.Destroy(h))
	require.NoError(t, m.Destroy(nil))
	require.NoError(t, m.Destroy(&Handle{SessionID: "never"}))

	_, err = m.Send(ctx, h, "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSplitWords_RoundTrip(t *testing.T) {
	text := "one two  three four"
	assert.Equal(t, text, strings.Join(splitWords(text), ""))
	assert.Nil(t, splitWords(""))
}
