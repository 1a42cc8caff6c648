// ABOUTME: TTL cache of recently seen correlation ids on the framed transport
// ABOUTME: A reused id inside the window is reported as a duplicate; oldest ids are evicted at capacity

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxSize caps the number of ids remembered per connection.
const DefaultMaxSize = 10000

type claim struct {
	at      time.Time
	element *list.Element
}

// Cache remembers correlation ids for a fixed window. Insertion order is
// kept in a list so eviction at capacity is O(1).
type Cache struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its expiry sweep. maxSize <= 0 means
// DefaultMaxSize.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.sweep(sweepInterval(ttl))
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > time.Minute {
		return time.Minute
	}
	return ttl
}

// Claim records id and reports whether it was new. A false result means the
// id was already claimed within the window and the request is a duplicate.
func (c *Cache) Claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if cl, ok := c.claims[id]; ok {
		if now.Sub(cl.at) < c.ttl {
			return false
		}
		cl.at = now
		c.order.MoveToBack(cl.element)
		return true
	}

	if len(c.claims) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.claims, front.Value.(string))
		}
	}
	c.claims[id] = &claim{at: now, element: c.order.PushBack(id)}
	return true
}

// Seen reports whether id is claimed and not expired.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.claims[id]
	return ok && c.now().Sub(cl.at) < c.ttl
}

// Len reports how many ids are held, expired ones included until the next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

func (c *Cache) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops every id older than the window. Entries are in claim order,
// so it stops at the first live one.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		id := e.Value.(string)
		if now.Sub(c.claims[id].at) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.claims, id)
		e = next
	}
}

// Close stops the sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
