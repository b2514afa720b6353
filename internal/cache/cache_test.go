package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testClock is a manually advanced clock for deterministic TTL tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(cfg Config) (*Cache, *testClock) {
	c := New(cfg)
	clock := newTestClock()
	c.now = clock.Now
	return c, clock
}

func TestCache_GetSet(t *testing.T) {
	c, _ := newTestCache(Config{})

	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get(missing) = hit, want miss")
	}

	c.Set("fp-1", []byte("result"))
	got, ok := c.Get("fp-1")
	if !ok {
		t.Fatal("Get(fp-1) = miss after Set, want hit")
	}
	if string(got) != "result" {
		t.Errorf("Get(fp-1) = %q, want %q", got, "result")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c, clock := newTestCache(Config{TTL: time.Minute})

	c.Set("fp-1", []byte("result"))
	clock.Advance(59 * time.Second)
	if _, ok := c.Get("fp-1"); !ok {
		t.Fatal("entry expired before TTL")
	}

	clock.Advance(2 * time.Second)
	if _, ok := c.Get("fp-1"); ok {
		t.Fatal("entry still present after TTL")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after expiry, want 0", c.Len())
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c, _ := newTestCache(Config{Capacity: 3})

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	c.Set("c", []byte("3"))

	// Touch "a" so "b" becomes the least recently used.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("Get(a) = miss")
	}

	c.Set("d", []byte("4"))

	if _, ok := c.Get("b"); ok {
		t.Error("b survived eviction, want LRU entry evicted")
	}
	for _, fp := range []string{"a", "c", "d"} {
		if _, ok := c.Get(fp); !ok {
			t.Errorf("%s evicted, want retained", fp)
		}
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
}

func TestCache_SetReplacesEntry(t *testing.T) {
	c, _ := newTestCache(Config{Capacity: 2})

	c.Set("fp-1", []byte("old"))
	c.Set("fp-1", []byte("new"))

	got, ok := c.Get("fp-1")
	if !ok || string(got) != "new" {
		t.Errorf("Get(fp-1) = %q/%v, want new/true", got, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d after replace, want 1", c.Len())
	}
}

func TestCache_GetOrCompute_SingleFlight(t *testing.T) {
	c, _ := newTestCache(Config{})

	var calls atomic.Int64
	release := make(chan struct{})

	const n = 20
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(context.Background(), "fp-1", func(context.Context) ([]byte, error) {
				calls.Add(1)
				<-release
				return []byte("computed"), nil
			})
		}(i)
	}

	// Give all requesters time to pile onto the same flight.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("compute function called %d times for %d concurrent requesters, want 1", got, n)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("requester %d error = %v", i, errs[i])
		}
		if string(results[i]) != "computed" {
			t.Errorf("requester %d result = %q, want computed", i, results[i])
		}
	}
}

func TestCache_GetOrCompute_FailureNotCached(t *testing.T) {
	c, _ := newTestCache(Config{})

	boom := errors.New("provider down")
	var calls atomic.Int64

	_, err := c.GetOrCompute(context.Background(), "fp-1", func(context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("GetOrCompute() error = %v, want %v", err, boom)
	}
	if _, ok := c.Get("fp-1"); ok {
		t.Fatal("failed computation left a cache entry")
	}

	// A subsequent request retries the computation.
	got, err := c.GetOrCompute(context.Background(), "fp-1", func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("recovered"), nil
	})
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if string(got) != "recovered" || calls.Load() != 2 {
		t.Errorf("retry = %q with %d calls, want recovered with 2 calls", got, calls.Load())
	}
}

func TestCache_GetOrCompute_HitSkipsCompute(t *testing.T) {
	c, _ := newTestCache(Config{})
	c.Set("fp-1", []byte("cached"))

	got, err := c.GetOrCompute(context.Background(), "fp-1", func(context.Context) ([]byte, error) {
		t.Fatal("compute function invoked on cache hit")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute() error = %v", err)
	}
	if string(got) != "cached" {
		t.Errorf("GetOrCompute() = %q, want cached", got)
	}
}

func TestCache_GetOrCompute_ContextCancelled(t *testing.T) {
	c, _ := newTestCache(Config{})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = c.GetOrCompute(context.Background(), "fp-1", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte("slow"), nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrCompute(ctx, "fp-1", func(context.Context) ([]byte, error) {
		return []byte("other"), nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("GetOrCompute(cancelled ctx) error = %v, want context.Canceled", err)
	}

	// The shared computation still completes for the original caller.
	close(release)
	if _, err := waitForEntry(c, "fp-1", time.Second); err != nil {
		t.Fatal(err)
	}
}

// waitForEntry polls until the fingerprint appears in the cache.
func waitForEntry(c *Cache, fingerprint string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if result, ok := c.Get(fingerprint); ok {
			return result, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, fmt.Errorf("entry %s never appeared", fingerprint)
}

func TestCache_ConcurrentDistinctFingerprints(t *testing.T) {
	c, _ := newTestCache(Config{Capacity: 100})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := fmt.Sprintf("fp-%d", i)
			got, err := c.GetOrCompute(context.Background(), fp, func(context.Context) ([]byte, error) {
				return []byte(fp), nil
			})
			if err != nil || string(got) != fp {
				t.Errorf("GetOrCompute(%s) = %q, %v", fp, got, err)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 50 {
		t.Errorf("Len() = %d, want 50", c.Len())
	}
}
