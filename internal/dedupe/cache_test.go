// ABOUTME: Tests for the inbound message dedupe cache
// ABOUTME: Covers expiry, capacity eviction, branch scoping, sweeping and concurrent marking

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

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(ttl, size, WithClock(clk.Now), WithSweepInterval(0)), clk
}

func TestCache_CheckAndMark(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("m1"), "first sighting is new")
	assert.True(t, cache.CheckAndMark("m1"), "second sighting is a duplicate")
	assert.True(t, cache.Contains("m1"))
	assert.False(t, cache.Contains("m2"))
}

func TestCache_Expiry(t *testing.T) {
	cache, clk := newTestCache(time.Minute, 100)
	defer cache.Close()

	cache.CheckAndMark("m1")
	clk.Advance(59 * time.Second)
	assert.True(t, cache.Contains("m1"))

	clk.Advance(time.Second)
	assert.False(t, cache.Contains("m1"))
	assert.False(t, cache.CheckAndMark("m1"), "expired key is new again")
}

func TestCache_ForgetThenMark(t *testing.T) {
	cache, clk := newTestCache(time.Minute, 100)
	defer cache.Close()

	cache.CheckAndMark("m1")
	clk.Advance(50 * time.Second)
	cache.Forget("m1")
	cache.CheckAndMark("m1")
	clk.Advance(50 * time.Second)

	assert.True(t, cache.Contains("m1"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache, clk := newTestCache(time.Hour, 3)
	defer cache.Close()

	for _, k := range []string{"first", "second", "third"} {
		cache.CheckAndMark(k)
		clk.Advance(time.Millisecond)
	}

	cache.CheckAndMark("fourth")
	assert.False(t, cache.Contains("first"))
	assert.True(t, cache.Contains("second"))
	assert.True(t, cache.Contains("fourth"))

	cache.CheckAndMark("fifth")
	assert.False(t, cache.Contains("second"))
	assert.Equal(t, 3, cache.Len())
}

func TestCache_Sweep(t *testing.T) {
	cache, clk := newTestCache(time.Minute, 100)
	defer cache.Close()

	cache.CheckAndMark("old-1")
	cache.CheckAndMark("old-2")
	clk.Advance(30 * time.Second)
	cache.CheckAndMark("young")
	clk.Advance(31 * time.Second)

	assert.Equal(t, 2, cache.sweep())
	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Contains("young"))
}

func TestCache_SeenScopesByBranch(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("B1", "wamid.1"))
	assert.True(t, cache.Seen("B1", "wamid.1"))
	assert.False(t, cache.Seen("B2", "wamid.1"), "same ID on another branch is distinct")

	assert.False(t, cache.Seen("B1", ""))
	assert.False(t, cache.Seen("B1", ""), "empty IDs never dedupe")
}

func TestCache_CheckAndMarkIsAtomic(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 100)
	defer cache.Close()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range 100 {
				key := fmt.Sprintf("k-%d-%d", id%7, j%13)
				cache.CheckAndMark(key)
				cache.Contains(key)
			}
		}(i)
	}
	wg.Wait()

	assert.False(t, cache.CheckAndMark("final"))
	assert.True(t, cache.Contains("final"))
}

func TestCache_BackgroundSweep(t *testing.T) {
	cache := New(5*time.Millisecond, 100, WithSweepInterval(5*time.Millisecond))
	defer cache.Close()

	cache.CheckAndMark("m1")
	assert.Eventually(t, func() bool { return cache.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
