package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// LRUCache is a thread-safe LRU cache with per-entry TTL.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List
	counters map[string]*counter
	now      func() time.Time
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type counter struct {
	count     int64
	expiresAt time.Time
}

// NewLRUCache creates an LRU cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// Get returns nil, nil on a miss or an expired entry.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, nil
	}
	e := elem.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.remove(elem)
		return nil, nil
	}
	c.order.MoveToFront(elem)
	return e.value, nil
}

// Set stores a value and evicts the least recently used entries over capacity.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[key] = c.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

// Delete removes a value.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
	return nil
}

// GetReport retrieves a cached report by input digest.
func (c *LRUCache) GetReport(ctx context.Context, digest string) (*domain.CachedReport, error) {
	return getReport(ctx, c, digest)
}

// SetReport caches a report under its input digest.
func (c *LRUCache) SetReport(ctx context.Context, digest string, r *domain.CachedReport, ttl time.Duration) error {
	return setReport(ctx, c, digest, r, ttl)
}

// IncrementCounter increments a fixed-window counter. Counters share the
// cache's size cap: a new key first sweeps expired counters and then, if
// still full, drops the one closest to expiry.
func (c *LRUCache) IncrementCounter(_ context.Context, key string, window time.Duration) (int64, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ctr, ok := c.counters[key]
	if ok && now.Before(ctr.expiresAt) {
		ctr.count++
		return ctr.count, nil
	}
	if !ok && len(c.counters) >= c.maxSize {
		c.pruneCounters(now)
	}
	c.counters[key] = &counter{count: 1, expiresAt: now.Add(window)}
	return 1, nil
}

// pruneCounters makes room for one counter. Caller holds c.mu.
func (c *LRUCache) pruneCounters(now time.Time) {
	for k, ctr := range c.counters {
		if !now.Before(ctr.expiresAt) {
			delete(c.counters, k)
		}
	}
	if len(c.counters) < c.maxSize {
		return
	}

	var oldest string
	var oldestAt time.Time
	for k, ctr := range c.counters {
		if oldest == "" || ctr.expiresAt.Before(oldestAt) {
			oldest, oldestAt = k, ctr.expiresAt
		}
	}
	delete(c.counters, oldest)
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close drops every entry and counter.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.counters = make(map[string]*counter)
	return nil
}

// Stats returns the current size and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}
