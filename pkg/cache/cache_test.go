package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCache(opts Options) (*Cache, *time.Time) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := start
	c := New(opts)
	c.now = func() time.Time { return current }
	return c, &current
}

func staticLoader(val interface{}, ok bool, err error, calls *int32) Loader {
	return func(context.Context, string) (interface{}, bool, error) {
		atomic.AddInt32(calls, 1)
		return val, ok, err
	}
}

func TestCacheServesFromCacheUntilTTL(t *testing.T) {
	c, clock := newTestCache(Options{TTL: 10 * time.Second})

	var calls int32
	loader := staticLoader("value", true, nil, &calls)

	for i := 0; i < 3; i++ {
		val, ok, err := c.Get(context.Background(), "k", loader)
		if err != nil || !ok || val != "value" {
			t.Fatalf("Get() = %v, %v, %v", val, ok, err)
		}
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}

	*clock = clock.Add(11 * time.Second)
	if _, _, err := c.Get(context.Background(), "k", loader); err != nil {
		t.Fatalf("Get() after expiry error = %v", err)
	}
	if calls != 2 {
		t.Errorf("loader called %d times after expiry, want 2", calls)
	}
}

func TestCacheNegativeEntries(t *testing.T) {
	c, clock := newTestCache(Options{TTL: 10 * time.Second, NegativeTTL: 2 * time.Second})

	var calls int32
	loader := staticLoader(nil, false, nil, &calls)

	for i := 0; i < 3; i++ {
		_, ok, err := c.Get(context.Background(), "missing", loader)
		if ok || err != nil {
			t.Fatalf("Get() = ok %v err %v, want miss", ok, err)
		}
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1 (negative cached)", calls)
	}

	*clock = clock.Add(3 * time.Second)
	c.Get(context.Background(), "missing", loader)
	if calls != 2 {
		t.Errorf("loader called %d times after negative expiry, want 2", calls)
	}
}

func TestCacheErrorsNotCached(t *testing.T) {
	c, _ := newTestCache(Options{TTL: 10 * time.Second, NegativeTTL: 10 * time.Second})

	var calls int32
	loader := staticLoader(nil, false, errors.New("backend down"), &calls)

	for i := 0; i < 2; i++ {
		if _, _, err := c.Get(context.Background(), "k", loader); err == nil {
			t.Fatal("Get() error = nil, want backend error")
		}
	}
	if calls != 2 {
		t.Errorf("loader called %d times, want 2 (errors never cached)", calls)
	}
}

func TestCacheEvictsOldestBeyondCapacity(t *testing.T) {
	c, _ := newTestCache(Options{TTL: time.Minute, MaxEntries: 2})

	var calls int32
	load := func(key string) {
		c.Get(context.Background(), key, staticLoader(key, true, nil, &calls))
	}
	load("a")
	load("b")
	load("c")

	if got := c.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	// "a" was evicted; reloading it calls the loader again.
	load("a")
	if calls != 4 {
		t.Errorf("loader called %d times, want 4", calls)
	}
}

func TestCacheInvalidate(t *testing.T) {
	c, _ := newTestCache(Options{TTL: time.Minute})

	var calls int32
	loader := staticLoader("v", true, nil, &calls)
	c.Get(context.Background(), "k", loader)
	c.Invalidate("k")
	c.Get(context.Background(), "k", loader)

	if calls != 2 {
		t.Errorf("loader called %d times, want 2 after invalidation", calls)
	}
}

func TestCacheDeduplicatesConcurrentLoads(t *testing.T) {
	c, _ := newTestCache(Options{TTL: time.Minute})

	var calls int32
	gate := make(chan struct{})
	loader := func(context.Context, string) (interface{}, bool, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return "v", true, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, ok, err := c.Get(context.Background(), "hot", loader)
			if err != nil || !ok || val != "v" {
				t.Errorf("Get() = %v, %v, %v", val, ok, err)
			}
		}()
	}

	// Give every goroutine a chance to reach the singleflight gate.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("loader called %d times, want 1 for concurrent gets", got)
	}
}
