// ABOUTME: Thread-safe TTL cache remembering the outcome of observer commands.
// ABOUTME: A retried request ID gets its original result instead of running twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultTTL is how long a request ID is remembered.
const DefaultTTL = 5 * time.Minute

// DefaultMaxSize bounds the number of remembered request IDs.
const DefaultMaxSize = 10000

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
}

// Cache maps request IDs to results for a limited time. Entries are kept in
// insertion order so eviction and expiry are O(1) from the front.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // *entry[V], oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache. Zero arguments select DefaultTTL and DefaultMaxSize.
// A background goroutine periodically drops expired entries until Close.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache[V]{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Lookup returns the remembered result for key, if it has not expired.
func (c *Cache[V]) Lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if !c.now().Before(e.expires) {
		c.removeLocked(elem)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Remember stores the result for key, replacing any earlier one. When the
// cache is full the oldest entry is evicted.
func (c *Cache[V]) Remember(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
	if len(c.items) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.items[key] = c.order.PushBack(&entry[V]{
		key:     key,
		value:   value,
		expires: c.now().Add(c.ttl),
	})
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func (c *Cache[V]) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	e := c.order.Remove(elem).(*entry[V])
	delete(c.items, e.key)
}

func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired entries. Insertion order equals expiry order because
// every entry gets the same TTL.
func (c *Cache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Before(front.Value.(*entry[V]).expires) {
			return
		}
		c.removeLocked(front)
	}
}
