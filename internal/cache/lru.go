package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a size-bounded cache whose entries also expire after a fixed TTL.
// It is safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*list.Element
	order    *list.List
	now      func() time.Time
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// NewLRU creates a cache holding at most capacity entries, each valid for
// ttl after its last Put. A non-positive capacity is raised to one.
func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the live value for key. Expired entries are dropped on access.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := elem.Value.(*entry[K, V])
	if !c.now().Before(e.expiresAt) {
		c.remove(elem)
		return zero, false
	}
	c.order.MoveToFront(elem)
	return e.value, true
}

// Put stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.remove(oldest)
		}
	}
	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
}

// Len counts stored entries, expired or not.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// must be called with mu held
func (c *LRU[K, V]) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry[K, V]).key)
}
