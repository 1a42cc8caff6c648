// ABOUTME: In-process engine session table shared by the eino and mock engines
// ABOUTME: Tracks per-session history and the cancel func of the running generation

package engine

import (
	"context"
	"sync"
	"time"
)

// conversation is the engine-side state of one session.
type conversation struct {
	mu      sync.Mutex
	cfg     SessionConfig
	history []Turn
	cancel  context.CancelFunc // non-nil while a generation runs
	gen     uint64
}

// begin marks a generation as running. It fails with ErrBusy when one is
// already in flight.
func (c *conversation) begin(cancel context.CancelFunc) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return 0, ErrBusy
	}
	c.gen++
	c.cancel = cancel
	return c.gen, nil
}

// end clears the running generation if it is still gen.
func (c *conversation) end(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *conversation) abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *conversation) record(prompt, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, Turn{Role: "user", Content: prompt}, Turn{Role: "assistant", Content: reply})
}

func (c *conversation) snapshot() (SessionConfig, []Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, append([]Turn(nil), c.history...)
}

// sessionTable maps session ids to conversations.
type sessionTable struct {
	mu    sync.RWMutex
	convs map[string]*conversation
}

func newSessionTable() *sessionTable {
	return &sessionTable{convs: make(map[string]*conversation)}
}

func (t *sessionTable) create(cfg SessionConfig) (*conversation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.convs[cfg.SessionID]; ok {
		return nil, ErrSessionExists
	}
	c := &conversation{cfg: cfg, history: append([]Turn(nil), cfg.History...)}
	t.convs[cfg.SessionID] = c
	return c, nil
}

func (t *sessionTable) get(id string) (*conversation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.convs[id]
	return c, ok
}

// remove deletes the conversation and aborts any running generation.
func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	c, ok := t.convs[id]
	delete(t.convs, id)
	t.mu.Unlock()
	if ok {
		c.abort()
	}
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.convs)
}

// emit delivers ev unless ctx is done first.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// terminalWait bounds how long a final event waits for buffer space.
const terminalWait = 2 * time.Second

// emitTerminal delivers a final event even when the buffer is momentarily
// full. It gives up after terminalWait so a consumer that has gone away
// cannot pin the producer. It reports whether ev was delivered.
func emitTerminal(out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	default:
	}
	timer := time.NewTimer(terminalWait)
	defer timer.Stop()
	select {
	case out <- ev:
		return true
	case <-timer.C:
		return false
	}
}

func abortedEvent() Event {
	return Event{Type: EventError, Data: map[string]any{"message": "generation aborted", "aborted": true}}
}

func errorEvent(err error) Event {
	return Event{Type: EventError, Data: map[string]any{"message": err.Error()}}
}
