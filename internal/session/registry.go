// ABOUTME: Session registry mapping logical session ids to live engine handles
// ABOUTME: Get-or-create under a per-id lock, resume with a single recreate fallback, forgiving destroy

package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/2389/session-gateway/internal/engine"
	"github.com/2389/session-gateway/internal/keylock"
)

var (
	// ErrNotFound is returned by Get when no handle is registered for the id.
	ErrNotFound = errors.New("no engine handle for session")

	// ErrDuplicateHandle signals that the engine already holds a session the
	// registry does not know about. It is an internal invariant violation.
	ErrDuplicateHandle = errors.New("duplicate engine handle")
)

// Params describes the engine session a logical session needs.
type Params struct {
	SessionID    string
	Type         string
	Model        string
	SystemPrompt string
	History      []engine.Turn // replayed when a session has to be recreated

	// Verify, when set, runs under the session lock before any engine
	// call. An error cancels the attach, so a session deleted or closed
	// meanwhile never gets a new handle.
	Verify func(context.Context) error
}

// Entry is a registered engine session. Its engine handle stays inside the
// registry; callers reach the engine through the registry by session id.
type Entry struct {
	SessionID    string
	Type         string
	Model        string
	SystemPrompt string
	handle       *engine.Handle
}

// MockMode reports whether the entry is served by the mock engine.
func (e *Entry) MockMode() bool {
	return e.handle != nil && e.handle.Mock
}

const shardCount = 16

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Registry owns every engine handle. No other component keeps a handle
// beyond the call that obtained it.
type Registry struct {
	engine engine.Engine
	locks  *keylock.Locker
	shards [shardCount]shard
	logger *slog.Logger
}

// NewRegistry creates a registry backed by eng.
func NewRegistry(eng engine.Engine, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		engine: eng,
		locks:  keylock.New(),
		logger: logger.With("component", "registry"),
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*Entry)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.shards[h.Sum32()%shardCount]
}

func (r *Registry) lookup(id string) (*Entry, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (r *Registry) store(e *Entry) {
	s := r.shardFor(e.SessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.SessionID] = e
}

func (r *Registry) delete(id string) (*Entry, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	return e, ok
}

func newEntry(p Params, h *engine.Handle) *Entry {
	return &Entry{
		SessionID:    p.SessionID,
		Type:         p.Type,
		Model:        p.Model,
		SystemPrompt: p.SystemPrompt,
		handle:       h,
	}
}

func (p Params) engineConfig() engine.SessionConfig {
	return engine.SessionConfig{
		SessionID:    p.SessionID,
		Type:         p.Type,
		Model:        p.Model,
		SystemPrompt: p.SystemPrompt,
		History:      p.History,
	}
}

// Ensure returns the registered entry for p.SessionID, creating the engine
// session first if there is none.
func (r *Registry) Ensure(ctx context.Context, p Params) (*Entry, error) {
	unlock := r.locks.Lock(p.SessionID)
	defer unlock()

	if e, ok := r.lookup(p.SessionID); ok {
		return e, nil
	}
	if err := p.verify(ctx); err != nil {
		return nil, err
	}
	return r.createLocked(ctx, p)
}

func (p Params) verify(ctx context.Context) error {
	if p.Verify == nil {
		return nil
	}
	return p.Verify(ctx)
}

func (r *Registry) createLocked(ctx context.Context, p Params) (*Entry, error) {
	h, err := r.engine.Create(ctx, p.engineConfig())
	if errors.Is(err, engine.ErrSessionExists) {
		r.logger.Error("engine holds a session the registry does not", "session_id", p.SessionID)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateHandle, p.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating engine session: %w", err)
	}

	e := newEntry(p, h)
	r.store(e)
	r.logger.Debug("registered engine session", "session_id", p.SessionID, "mock", h.Mock)
	return e, nil
}

// Get returns the registered entry or ErrNotFound.
func (r *Registry) Get(id string) (*Entry, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// ResumeOrRecreate reattaches to the engine session for p.SessionID. When
// the engine cannot resume it (error or timeout) exactly one Create with the
// same parameters follows. An already registered entry is returned as is.
func (r *Registry) ResumeOrRecreate(ctx context.Context, p Params) (*Entry, error) {
	unlock := r.locks.Lock(p.SessionID)
	defer unlock()

	if e, ok := r.lookup(p.SessionID); ok {
		return e, nil
	}
	if err := p.verify(ctx); err != nil {
		return nil, err
	}

	h, err := r.engine.Resume(ctx, p.SessionID)
	if err == nil {
		e := newEntry(p, h)
		r.store(e)
		r.logger.Debug("resumed engine session", "session_id", p.SessionID)
		return e, nil
	}

	r.logger.Info("resume failed, recreating engine session", "session_id", p.SessionID, "error", err)
	return r.createLocked(ctx, p)
}

// Destroy releases the engine session and forgets the entry. Engine errors
// are logged and swallowed; a missing entry is not an error.
func (r *Registry) Destroy(id string) {
	unlock := r.locks.Lock(id)
	defer unlock()

	e, ok := r.delete(id)
	if !ok {
		return
	}
	if err := r.engine.Destroy(e.handle); err != nil {
		r.logger.Warn("engine destroy failed", "session_id", id, "error", err)
	}
}

// Send runs one blocking engine turn on the session's handle.
func (r *Registry) Send(ctx context.Context, id, prompt string) (string, error) {
	e, ok := r.lookup(id)
	if !ok {
		return "", ErrNotFound
	}
	return r.engine.Send(ctx, e.handle, prompt)
}

// Stream starts a streamed engine turn on the session's handle.
func (r *Registry) Stream(ctx context.Context, id, prompt string) (<-chan engine.Event, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return r.engine.Stream(ctx, e.handle, prompt)
}

// Abort stops generation on the session's engine handle, if registered.
func (r *Registry) Abort(id string) {
	if e, ok := r.lookup(id); ok {
		r.engine.Abort(e.handle)
	}
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Close destroys every registered engine session.
func (r *Registry) Close() {
	var ids []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id := range s.entries {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	for _, id := range ids {
		r.Destroy(id)
	}
	r.logger.Info("registry closed", "destroyed", len(ids))
}
