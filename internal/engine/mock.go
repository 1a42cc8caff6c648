// ABOUTME: Deterministic mock engine used when the real engine is unreachable
// ABOUTME: Picks a reply template by intent and streams it word by word with a fixed delay

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MockModelID is the model reported while serving from the mock engine.
const MockModelID = "mock"

// MockEngine synthesizes replies without any network access. The same
// prompt always yields the same text.
type MockEngine struct {
	sessions *sessionTable
	delay    time.Duration
	logger   *slog.Logger
}

// NewMockEngine creates a mock engine that pauses delay between words.
func NewMockEngine(delay time.Duration, logger *slog.Logger) *MockEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockEngine{
		sessions: newSessionTable(),
		delay:    delay,
		logger:   logger.With("component", "mock-engine"),
	}
}

// Create always succeeds for a new id.
func (m *MockEngine) Create(ctx context.Context, cfg SessionConfig) (*Handle, error) {
	if _, err := m.sessions.create(cfg); err != nil {
		return nil, err
	}
	return &Handle{SessionID: cfg.SessionID, Model: cfg.Model, Mock: true}, nil
}

// Resume finds a session created earlier in this process.
func (m *MockEngine) Resume(ctx context.Context, sessionID string) (*Handle, error) {
	conv, ok := m.sessions.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	cfg, _ := conv.snapshot()
	return &Handle{SessionID: sessionID, Model: cfg.Model, Mock: true}, nil
}

// Send returns the full templated reply at once.
func (m *MockEngine) Send(ctx context.Context, h *Handle, prompt string) (string, error) {
	conv, ok := m.sessions.get(h.SessionID)
	if !ok {
		return "", ErrSessionNotFound
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	reply := MockReply(prompt).Text
	conv.record(prompt, reply)
	return reply, nil
}

// Stream emits the templated reply one word at a time.
func (m *MockEngine) Stream(ctx context.Context, h *Handle, prompt string) (<-chan Event, error) {
	conv, ok := m.sessions.get(h.SessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	streamCtx, cancel := context.WithCancel(ctx)
	gen, err := conv.begin(cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Event, defaultEventBuffer)
	go m.runStream(streamCtx, conv, gen, prompt, out)
	return out, nil
}

func (m *MockEngine) runStream(ctx context.Context, conv *conversation, gen uint64, prompt string, out chan<- Event) {
	defer close(out)
	defer conv.end(gen)

	reply := MockReply(prompt)

	var toolID string
	if reply.Tool != "" {
		toolID = "call_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(prompt)).String()[:8]
		if !emit(ctx, out, Event{Type: EventToolStart, Data: map[string]any{"toolName": reply.Tool, "toolCallId": toolID}}) {
			emitTerminal(out, abortedEvent())
			return
		}
	}

	for i, word := range splitWords(reply.Text) {
		if i > 0 && !m.wait(ctx) {
			emitTerminal(out, abortedEvent())
			return
		}
		if !emit(ctx, out, Event{Type: EventMessageDelta, Data: map[string]any{"deltaContent": word}}) {
			emitTerminal(out, abortedEvent())
			return
		}
		if toolID != "" && i == 0 {
			if !emit(ctx, out, Event{Type: EventToolComplete, Data: map[string]any{"toolCallId": toolID}}) {
				emitTerminal(out, abortedEvent())
				return
			}
		}
	}

	if ctx.Err() != nil {
		emitTerminal(out, abortedEvent())
		return
	}

	conv.record(prompt, reply.Text)
	if !emit(ctx, out, Event{Type: EventMessage, Data: map[string]any{"content": reply.Text}}) {
		emitTerminal(out, abortedEvent())
		return
	}
	emit(ctx, out, Event{Type: EventIdle})
}

func (m *MockEngine) wait(ctx context.Context) bool {
	if m.delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Abort cancels the running stream for h.
func (m *MockEngine) Abort(h *Handle) {
	if h == nil {
		return
	}
	if conv, ok := m.sessions.get(h.SessionID); ok {
		conv.abort()
	}
}

// Destroy forgets the session. Unknown handles are ignored.
func (m *MockEngine) Destroy(h *Handle) error {
	if h == nil {
		return nil
	}
	m.sessions.remove(h.SessionID)
	return nil
}

// Reply is a synthesized answer.
type Reply struct {
	Intent string
	Text   string
	Tool   string // tool the reply pretends to have used, if any
}

// MockReply picks the template for prompt's intent.
func MockReply(prompt string) Reply {
	subject := mockSubject(prompt)
	lower := strings.ToLower(prompt)

	switch {
	case strings.Contains(lower, "explain"):
		return Reply{
			Intent: "explain",
			Text: fmt.Sprintf("Explanation: %q is being described here in plain terms. "+
				"It names an idea and the context around it shows how it is used. "+
				"The engine is offline, so this explanation comes from the offline assistant.", subject),
		}
	case strings.Contains(lower, "translate"):
		return Reply{
			Intent: "translate",
			Text:   fmt.Sprintf("Translation: [offline] %s", subject),
		}
	case strings.Contains(lower, "summar"):
		return Reply{
			Intent: "summarize",
			Text: fmt.Sprintf("Summary: the text is about %q. "+
				"Its main point is stated first and the rest adds supporting detail.", subject),
		}
	case strings.Contains(lower, "rewrite"), strings.Contains(lower, "improve"):
		return Reply{
			Intent: "rewrite",
			Text:   fmt.Sprintf("Rewritten: %s", subject),
		}
	case strings.Contains(lower, "search"), strings.Contains(lower, "look up"):
		return Reply{
			Intent: "search",
			Tool:   "web_search",
			Text:   fmt.Sprintf("Search results: no live results are available for %q while the engine is offline.", subject),
		}
	default:
		return Reply{
			Intent: "chat",
			Text: fmt.Sprintf("I received your message about %q. "+
				"The AI engine is currently unavailable, so this is a placeholder reply.", subject),
		}
	}
}

// mockSubject picks the text a reply talks about: the last non-empty line,
// trimmed and shortened.
func mockSubject(prompt string) string {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	subject := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			subject = s
			break
		}
	}
	if subject == "" {
		subject = "your request"
	}
	const maxRunes = 80
	if r := []rune(subject); len(r) > maxRunes {
		subject = string(r[:maxRunes]) + "..."
	}
	return subject
}

// splitWords splits text after each space so the parts concatenate back to
// text exactly.
func splitWords(text string) []string {
	if text == "" {
		return nil
	}
	return strings.SplitAfter(text, " ")
}
