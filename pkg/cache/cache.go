package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options configures a Cache.
type Options struct {
	TTL         time.Duration
	NegativeTTL time.Duration
	MaxEntries  int
}

type entry struct {
	value     interface{}
	err       error
	negative  bool
	expiresAt time.Time
}

// Cache is a small in-process TTL cache with singleflight-deduplicated
// loaders. Lookups of the same key never fan out to the backing service
// concurrently.
type Cache struct {
	mu    sync.Mutex
	items map[string]*entry
	order []string
	opts  Options
	sf    singleflight.Group
	now   func() time.Time
}

// Loader fetches a value on cache miss. ok=false with a nil error means the
// value does not exist; it is cached negatively when NegativeTTL is set.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

// New creates a cache with the given options.
func New(opts Options) *Cache {
	return &Cache{
		items: make(map[string]*entry),
		order: make([]string, 0, 64),
		opts:  opts,
		now:   time.Now,
	}
}

// Get returns the cached value for key, loading it on miss.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, bool, error) {
	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		if c.now().Before(e.expiresAt) {
			c.mu.Unlock()
			if e.negative {
				return nil, false, e.err
			}
			return e.value, true, nil
		}
		delete(c.items, key)
		c.removeFromOrder(key)
	}
	c.mu.Unlock()

	type loadResult struct {
		val interface{}
		ok  bool
	}

	res, err, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		c.store(key, val, ok, err)
		if err != nil {
			return nil, err
		}
		return loadResult{val: val, ok: ok}, nil
	})
	if err != nil {
		return nil, false, err
	}
	lr := res.(loadResult)
	return lr.val, lr.ok, nil
}

// Invalidate drops a key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		delete(c.items, key)
		c.removeFromOrder(key)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) store(key string, val interface{}, ok bool, err error) {
	now := c.now()

	e := &entry{}
	switch {
	case err != nil:
		// Load errors are never cached.
		return
	case !ok:
		if c.opts.NegativeTTL <= 0 {
			return
		}
		e.negative = true
		e.expiresAt = now.Add(c.opts.NegativeTTL)
	default:
		e.value = val
		e.expiresAt = now.Add(c.opts.TTL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e

	// Evict oldest entries beyond capacity.
	for c.opts.MaxEntries > 0 && len(c.items) > c.opts.MaxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
