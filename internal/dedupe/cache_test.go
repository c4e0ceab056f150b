// ABOUTME: Tests for the activity id dedupe cache
// ABOUTME: Validates TTL expiry, size limits, eviction order, filtering and concurrency

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	return New(ttl, maxSize, WithClock(clk.Now)), clk
}

func TestCache_Check(t *testing.T) {
	cache, clk := newTestCache(5*time.Minute, 100)

	assert.False(t, cache.Check("never-seen-key"))

	cache.Mark("my-key")
	assert.True(t, cache.Check("my-key"))

	clk.Advance(5 * time.Minute)
	assert.False(t, cache.Check("my-key"))
}

func TestCache_CheckAndMark(t *testing.T) {
	cache, clk := newTestCache(time.Minute, 100)

	assert.False(t, cache.CheckAndMark("a"), "first sighting is new")
	assert.True(t, cache.CheckAndMark("a"), "second sighting is a duplicate")

	clk.Advance(2 * time.Minute)
	assert.False(t, cache.CheckAndMark("a"), "expired key is new again")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache, clk := newTestCache(time.Hour, 3)

	for i := 0; i < 3; i++ {
		cache.Mark(fmt.Sprintf("key-%d", i))
		clk.Advance(time.Second)
	}
	// Re-marking moves key-0 to the back.
	cache.Mark("key-0")
	cache.Mark("key-3")

	assert.True(t, cache.Check("key-0"))
	assert.False(t, cache.Check("key-1"), "key-1 was the oldest")
	assert.True(t, cache.Check("key-2"))
	assert.True(t, cache.Check("key-3"))
	assert.Equal(t, 3, cache.Len())
}

func TestCache_PrunesExpiredOnAccess(t *testing.T) {
	cache, clk := newTestCache(time.Minute, 100)

	cache.Mark("old-1")
	cache.Mark("old-2")
	clk.Advance(30 * time.Second)
	cache.Mark("fresh")
	clk.Advance(45 * time.Second)

	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Check("fresh"))
}

func TestCache_DefaultMaxSize(t *testing.T) {
	cache := New(time.Minute, 0)
	assert.Equal(t, DefaultMaxSize, cache.maxSize)
}

func TestFilter(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 100)
	id := func(s string) string { return s }

	first := Filter(cache, []string{"a", "b", "", "a"}, id)
	assert.Equal(t, []string{"a", "b", ""}, first)

	second := Filter(cache, []string{"b", "c", ""}, id)
	assert.Equal(t, []string{"c", ""}, second)
}

func TestFilter_DoesNotAliasInput(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 100)
	in := []string{"x", "x", "y"}

	out := Filter(cache, in, func(s string) string { return s })

	assert.Equal(t, []string{"x", "y"}, out)
	assert.Equal(t, []string{"x", "x", "y"}, in)
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	cache := New(time.Minute, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("shared") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh, "exactly one goroutine sees the key as new")
}
