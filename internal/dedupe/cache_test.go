// ABOUTME: Tests for the correlation-id dedupe cache
// ABOUTME: Uses a fake clock to check the window, capacity eviction, sweeping, and concurrent claims

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newCache(ttl, maxSize, clock.now), clock
}

func TestClaim_DuplicateWithinWindow(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	assert.True(t, c.Claim("req-1"))
	assert.False(t, c.Claim("req-1"))
	assert.True(t, c.Seen("req-1"))

	clock.advance(61 * time.Second)
	assert.False(t, c.Seen("req-1"))
	assert.True(t, c.Claim("req-1"), "id is reusable after the window")
	assert.False(t, c.Claim("req-1"))
}

func TestClaim_EvictsOldestAtCapacity(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.True(t, c.Claim(id))
	}
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("d"))
	assert.True(t, c.Claim("a"))
}

func TestExpire_DropsOnlyStaleIDs(t *testing.T) {
	c, clock := newTestCache(time.Minute, 0)

	c.Claim("old-1")
	c.Claim("old-2")
	clock.advance(45 * time.Second)
	c.Claim("fresh")
	clock.advance(30 * time.Second)

	c.expire()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("fresh"))
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Claim("same-id") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestNew_CloseIsIdempotent(t *testing.T) {
	c := New(10*time.Millisecond, 0)
	for i := 0; i < 5; i++ {
		assert.True(t, c.Claim(fmt.Sprintf("id-%d", i)))
	}
	c.Close()
	c.Close()
}
