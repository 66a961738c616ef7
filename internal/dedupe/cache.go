// ABOUTME: Tenant-scoped TTL cache that drops protocol messages already handled
// ABOUTME: Bounded by size with oldest-first eviction; expired entries are swept in the background

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type key struct {
	tenantID  string
	messageID string
}

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers (tenant, message id) pairs for a TTL. Insertion order is
// kept in a linked list so eviction at capacity is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[key]*entry
	order   *list.List // of key, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[key]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen reports whether the message was already recorded for the tenant within
// the TTL, and records it if not. An empty messageID is never a duplicate.
func (c *Cache) Seen(tenantID, messageID string) bool {
	if messageID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{tenantID, messageID}
	now := c.now()
	if e, ok := c.seen[k]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[k] = &entry{seenAt: now, element: c.order.PushBack(k)}
	return false
}

// Forget drops every entry recorded for the tenant.
func (c *Cache) Forget(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.seen {
		if k.tenantID == tenantID {
			c.order.Remove(e.element)
			delete(c.seen, k)
		}
	}
}

// Len returns the number of tracked entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	k, _ := front.Value.(key)
	c.order.Remove(front)
	delete(c.seen, k)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// Oldest entries sit at the front; stop at the first live one.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		k, _ := front.Value.(key)
		e := c.seen[k]
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, k)
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
