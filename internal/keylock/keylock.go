// ABOUTME: Per-key mutual exclusion with sharded bookkeeping
// ABOUTME: Lets work on unrelated session ids proceed without sharing a lock

package keylock

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

type entry struct {
	mu   sync.Mutex
	refs int
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// Locker hands out one mutex per key. Entries are reference counted and
// dropped when nobody holds or waits for them, so the map does not grow with
// every key ever seen.
type Locker struct {
	shards [shardCount]shard
}

// New creates an empty Locker.
func New() *Locker {
	l := &Locker{}
	for i := range l.shards {
		l.shards[i].locks = make(map[string]*entry)
	}
	return l
}

func (l *Locker) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// Lock blocks until the lock for key is held and returns its unlock func.
func (l *Locker) Lock(key string) (unlock func()) {
	s := l.shardFor(key)

	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			s.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(s.locks, key)
			}
			s.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently held or waited on.
func (l *Locker) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
