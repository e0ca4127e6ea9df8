// ABOUTME: Thread-safe TTL cache mapping idempotency keys to command IDs
// ABOUTME: Gives submitCommand at-most-once semantics across dashboard retries

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the remembered command ID and bookkeeping for a key.
type cacheEntry struct {
	commandID string
	timestamp time.Time
	element   *list.Element
}

// keyLock serializes callers contending on one idempotency key.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Cache is a thread-safe, TTL-based, size-limited map from idempotency key
// to the command ID it originally produced. A dashboard retry presenting
// the same key within the TTL gets the original command handle back instead
// of enqueuing a duplicate edit.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

// New creates a dedupe cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
		locks:   make(map[string]*keyLock),
	}
	go c.cleanup()
	return c
}

// LockKey serializes callers on one idempotency key, so a Lookup miss
// followed by a later Remember behaves atomically: concurrent submissions
// presenting the same key agree on a single command instead of each
// enqueuing one. The returned function releases the key.
func (c *Cache) LockKey(key string) (unlock func()) {
	c.locksMu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &keyLock{}
		c.locks[key] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, key)
		}
		c.locksMu.Unlock()
	}
}

// Lookup returns the command ID remembered for the key, if present and
// not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return "", false
	}
	return entry.commandID, true
}

// Remember records the command ID produced for an idempotency key.
// If the cache is at capacity, the oldest entry is evicted to make room.
func (c *Cache) Remember(key, commandID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// If the key already exists, refresh it and move to back
	if entry, exists := c.seen[key]; exists {
		entry.commandID = commandID
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		commandID: commandID,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using the linked list.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
