// ABOUTME: Abort coordinator mapping stream keys (session or request ids) to cancel functions
// ABOUTME: Sharded by key; abort is idempotent and each cancel function runs at most once

package abort

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
)

const shardCount = 32

// Token identifies one registration so that a finished stream only removes
// its own entry, never a newer one that superseded it.
type Token uint64

type entry struct {
	token  Token
	cancel func()
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Coordinator tracks the in-flight streams that can be aborted.
type Coordinator struct {
	shards [shardCount]shard
	next   atomic.Uint64
	logger *slog.Logger
}

// New creates an empty coordinator.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{logger: logger.With("component", "abort")}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*entry)
	}
	return c
}

func (c *Coordinator) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%shardCount]
}

func (c *Coordinator) newEntry(cancel func()) *entry {
	var once sync.Once
	return &entry{
		token:  Token(c.next.Add(1)),
		cancel: func() { once.Do(cancel) },
	}
}

// TryRegister adds cancel under key unless key is already registered.
func (c *Coordinator) TryRegister(key string, cancel func()) (Token, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; exists {
		return 0, false
	}
	e := c.newEntry(cancel)
	s.entries[key] = e
	return e.token, true
}

// Register adds cancel under key. A prior registration for the same key is
// cancelled and replaced.
func (c *Coordinator) Register(key string, cancel func()) Token {
	s := c.shardFor(key)
	e := c.newEntry(cancel)

	s.mu.Lock()
	prior := s.entries[key]
	s.entries[key] = e
	s.mu.Unlock()

	if prior != nil {
		c.logger.Info("superseding in-flight stream", "key", key)
		prior.cancel()
	}
	return e.token
}

// Release removes the entry for key if it still belongs to token. It does
// not cancel anything.
func (c *Coordinator) Release(key string, token Token) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.token == token {
		delete(s.entries, key)
		return true
	}
	return false
}

// Abort cancels and removes the entry for key. It reports whether an entry
// was present; aborting an unknown key is a no-op.
func (c *Coordinator) Abort(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if !ok {
		return false
	}
	c.logger.Debug("aborting stream", "key", key)
	e.cancel()
	return true
}

// Active reports whether key has an in-flight registration.
func (c *Coordinator) Active(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// AbortAll cancels every registration and returns how many there were.
func (c *Coordinator) AbortAll() int {
	var cancels []func()
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for key, e := range s.entries {
			cancels = append(cancels, e.cancel)
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Len reports the number of registrations.
func (c *Coordinator) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
