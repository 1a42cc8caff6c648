// ABOUTME: Translates engine-native events for one stream into canonical stream events
// ABOUTME: Guarantees arrival order, at most one message_complete, a final done, and persistence on idle

package stream

import (
	"context"
	"log/slog"
	"strings"

	"github.com/2389/session-gateway/internal/engine"
)

// ToolCall records a tool invocation seen during a stream.
type ToolCall struct {
	Name   string `json:"name"`
	CallID string `json:"callId"`
}

// Completion is what the engine produced by the time it went idle.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// PersistFunc stores the assistant reply and returns its message id. It is
// called once per successful stream, when the engine reports idle.
type PersistFunc func(ctx context.Context, c Completion) (messageID string, err error)

// Translator maps one engine stream onto the canonical event vocabulary.
type Translator struct {
	persist PersistFunc
	logger  *slog.Logger
}

// NewTranslator creates a translator. persist may be nil.
func NewTranslator(persist PersistFunc, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{persist: persist, logger: logger.With("component", "translator")}
}

// translation is the per-stream state.
type translation struct {
	deltas       strings.Builder
	terminal     string
	haveTerminal bool
	completeSent bool
	failed       bool
	finished     bool
	tools        []ToolCall
}

// Run reads native events from in until it closes and writes canonical
// events to out, closing out when done. Exactly one Done is written and it
// is the last event. If ctx ends, Run stops writing and drains in.
func (t *Translator) Run(ctx context.Context, in <-chan engine.Event, out chan<- Event) {
	defer close(out)

	var st translation
	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for native := range in {
		if st.finished {
			continue
		}
		if !t.handle(ctx, &st, native, send) {
			st.finished = true
			for range in {
			}
			return
		}
	}

	if st.finished {
		return
	}
	if !st.failed {
		t.logger.Warn("engine stream closed before idle")
		if !send(ErrorEvent{Message: "stream ended before completion"}) {
			return
		}
	}
	send(Done{})
}

// handle processes one native event. It returns false when out can no
// longer be written.
func (t *Translator) handle(ctx context.Context, st *translation, native engine.Event, send func(Event) bool) bool {
	switch native.Type {
	case engine.EventMessageDelta:
		text := native.String("deltaContent")
		st.deltas.WriteString(text)
		return send(MessageDelta{DeltaContent: text})

	case engine.EventMessage:
		st.terminal = native.String("content")
		st.haveTerminal = true
		if st.completeSent {
			return true
		}
		st.completeSent = true
		return send(MessageComplete{Content: st.terminal})

	case engine.EventToolStart:
		call := ToolCall{Name: native.String("toolName"), CallID: native.String("toolCallId")}
		st.tools = append(st.tools, call)
		return send(ToolStart{ToolName: call.Name, ToolCallID: call.CallID})

	case engine.EventToolComplete:
		return send(ToolComplete{ToolCallID: native.String("toolCallId")})

	case engine.EventError:
		st.failed = true
		msg := native.String("message")
		if msg == "" {
			msg = "engine error"
		}
		if !send(ErrorEvent{Message: msg}) {
			return false
		}
		st.finished = true
		return send(Done{})

	case engine.EventIdle:
		content := st.deltas.String()
		if st.haveTerminal {
			content = st.terminal
		}
		if !st.completeSent {
			st.completeSent = true
			if !send(MessageComplete{Content: content}) {
				return false
			}
		}

		var messageID string
		if t.persist != nil {
			id, err := t.persist(ctx, Completion{Content: content, ToolCalls: st.tools})
			if err != nil {
				t.logger.Error("failed to persist assistant reply", "error", err)
			} else {
				messageID = id
			}
		}
		st.finished = true
		return send(Done{MessageID: messageID})

	default:
		t.logger.Debug("ignoring native event", "type", native.Type)
		return true
	}
}
