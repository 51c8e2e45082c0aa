// result_cache_test.go
package sidekick

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// manualClock lets tests advance the cache's notion of time deterministically.
type manualClock struct {
	current time.Time
}

func (m *manualClock) Now() time.Time          { return m.current }
func (m *manualClock) Advance(d time.Duration) { m.current = m.current.Add(d) }

func newManualClock() *manualClock { return &manualClock{current: time.Unix(1700000000, 0)} }

func withClock(c *ResultCache, clk *manualClock) { c.now = clk.Now }

func TestResultCacheTTLExpiry(t *testing.T) {
	clk := newManualClock()
	cache := NewResultCache(newTestLogger())
	withClock(cache, clk)

	cache.Put("k", "suggestion")

	clk.Advance(completionCacheTTL - time.Second)
	if got, ok := cache.Get("k"); !ok || got != "suggestion" {
		t.Errorf("expected hit just before TTL, got (%q, %v)", got, ok)
	}

	clk.Advance(time.Second) // exactly at TTL boundary
	if _, ok := cache.Get("k"); ok {
		t.Error("expected miss at exactly TTL age")
	}
	if n := cache.Len(); n != 0 {
		t.Errorf("expected stale entry to be removed on read, Len() = %d", n)
	}
}

func TestResultCacheBatchEviction(t *testing.T) {
	clk := newManualClock()
	cache := NewResultCache(newTestLogger())
	withClock(cache, clk)

	// Distinct createdAt per entry so "oldest" is well defined.
	for i := 0; i <= completionCacheCapacity; i++ {
		cache.Put(fmt.Sprintf("key-%d", i), fmt.Sprintf("val-%d", i))
		clk.Advance(time.Millisecond)
	}

	wantLen := completionCacheCapacity + 1 - completionCacheEvictCount
	if got := cache.Len(); got != wantLen {
		t.Fatalf("Len() after overflow = %d, want %d", got, wantLen)
	}
	for i := 0; i < completionCacheEvictCount; i++ {
		if _, ok := cache.Get(fmt.Sprintf("key-%d", i)); ok {
			t.Errorf("key-%d should have been evicted as one of the oldest", i)
		}
	}
	for _, i := range []int{completionCacheEvictCount, completionCacheCapacity} {
		if _, ok := cache.Get(fmt.Sprintf("key-%d", i)); !ok {
			t.Errorf("key-%d should have survived eviction", i)
		}
	}
}

func TestResultCacheOverwrite(t *testing.T) {
	clk := newManualClock()
	cache := NewResultCache(newTestLogger())
	withClock(cache, clk)

	cache.Put("k", "first")
	clk.Advance(completionCacheTTL - time.Second)
	cache.Put("k", "second")
	clk.Advance(2 * time.Second)

	// Overwrite refreshed createdAt, so the entry is still live.
	got, ok := cache.Get("k")
	if !ok {
		t.Fatal("expected hit after overwrite refreshed the entry")
	}
	if got != "second" {
		t.Errorf("Get() = %q, want %q", got, "second")
	}
	if n := cache.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestResultCacheClear(t *testing.T) {
	cache := NewResultCache(newTestLogger())
	cache.Put("a", "1")
	cache.Put("b", "2")
	cache.Clear()
	if n := cache.Len(); n != 0 {
		t.Errorf("Len() after Clear = %d, want 0", n)
	}
	if _, ok := cache.Get("a"); ok {
		t.Error("expected miss after Clear")
	}
}
