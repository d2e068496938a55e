// ABOUTME: Tests for the request-ID result cache.
// ABOUTME: Validates TTL expiration, size limits, eviction order, sweeping, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_LookupMissing(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Lookup("never-seen")
	assert.False(t, ok)
}

func TestCache_RememberAndLookup(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	cache.Remember("req-1", "ok")

	v, ok := cache.Lookup("req-1")
	require.True(t, ok)
	assert.Equal(t, "ok", v)
}

func TestCache_Expired(t *testing.T) {
	cache := New[int](time.Minute, 100)
	defer cache.Close()

	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.Remember("req-1", 7)

	now = now.Add(59 * time.Second)
	_, ok := cache.Lookup("req-1")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok = cache.Lookup("req-1")
	assert.False(t, ok, "entry expires exactly at its TTL")
	assert.Equal(t, 0, cache.Len(), "expired lookup removes the entry")
}

func TestCache_RememberReplaces(t *testing.T) {
	cache := New[string](time.Minute, 100)
	defer cache.Close()

	cache.Remember("k", "first")
	cache.Remember("k", "second")

	v, _ := cache.Lookup("k")
	assert.Equal(t, "second", v)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New[int](time.Minute, 3)
	defer cache.Close()

	cache.Remember("a", 1)
	cache.Remember("b", 2)
	cache.Remember("c", 3)
	cache.Remember("a", 10) // refreshes a, so b is now the oldest
	cache.Remember("d", 4)

	_, ok := cache.Lookup("b")
	assert.False(t, ok, "oldest entry should be evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := cache.Lookup(k)
		assert.True(t, ok, "key %s should remain", k)
	}
	assert.Equal(t, 3, cache.Len())
}

func TestCache_Sweep(t *testing.T) {
	cache := New[int](time.Minute, 100)
	defer cache.Close()

	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.Remember("old-1", 1)
	cache.Remember("old-2", 2)

	now = now.Add(30 * time.Second)
	cache.Remember("fresh", 3)

	now = now.Add(45 * time.Second)
	cache.sweep()

	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Lookup("fresh")
	assert.True(t, ok)
}

func TestCache_Concurrent(t *testing.T) {
	cache := New[int](time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("g%d-%d", g, i)
				cache.Remember(key, i)
				v, ok := cache.Lookup(key)
				assert.True(t, ok)
				assert.Equal(t, i, v)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 800, cache.Len())
}

func TestCache_Close(t *testing.T) {
	cache := New[int](time.Minute, 10)
	cache.Close()
	cache.Close()
}

func TestCache_Defaults(t *testing.T) {
	cache := New[int](0, 0)
	defer cache.Close()

	assert.Equal(t, DefaultTTL, cache.ttl)
	assert.Equal(t, DefaultMaxSize, cache.maxSize)
}
