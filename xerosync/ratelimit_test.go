package xerosync

import (
	"context"
	"sync"
	"testing"
	"time"
)

// NOTE: These tests are intentionally DB/Redis-free. The fake counter models
// the fixed-window INCR semantics of the redis implementation.

type fakeCounter struct {
	mu        sync.Mutex
	counts    map[string]int64
	remaining time.Duration
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: map[string]int64{}}
}

func (c *fakeCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

func (c *fakeCounter) Remaining(ctx context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining, nil
}

func (c *fakeCounter) reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
}

func TestRateGate_AdmitsUpToLimit(t *testing.T) {
	counter := newFakeCounter()
	gate := NewRateGate(counter)
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("should not block below the limit")
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := gate.Admit(ctx, "tenant-a", 5); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
	}
}

func TestRateGate_BlocksUntilWindowTurnover(t *testing.T) {
	counter := newFakeCounter()
	gate := NewRateGate(counter)

	slept := 0
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		slept++
		// Window turnover: the redis key would expire here.
		counter.reset("ratelimit:xero:tenant-a")
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := gate.Admit(ctx, "tenant-a", 2); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if slept != 0 {
		t.Fatalf("blocked below the limit: slept %d times", slept)
	}

	// Third call exceeds the window budget and must wait exactly once.
	if err := gate.Admit(ctx, "tenant-a", 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slept != 1 {
		t.Fatalf("expected one wait, got %d", slept)
	}
}

func TestRateGate_WaitsOutTheKeysRemainingTTL(t *testing.T) {
	counter := newFakeCounter()
	counter.remaining = 17 * time.Second
	gate := NewRateGate(counter)

	var waited time.Duration
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		waited = d
		counter.reset("ratelimit:xero:tenant-a")
		return nil
	}

	ctx := context.Background()
	if err := gate.Admit(ctx, "tenant-a", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := gate.Admit(ctx, "tenant-a", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if waited != 17*time.Second {
		t.Fatalf("expected a 17s wait matching the key TTL, got %v", waited)
	}
}

func TestRateGate_ExpiredKeyFallsBackToFullWindow(t *testing.T) {
	counter := newFakeCounter()
	counter.remaining = 0
	gate := NewRateGate(counter)

	var waited time.Duration
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		waited = d
		counter.reset("ratelimit:xero:tenant-a")
		return nil
	}

	ctx := context.Background()
	if err := gate.Admit(ctx, "tenant-a", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := gate.Admit(ctx, "tenant-a", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if waited != time.Minute {
		t.Fatalf("expected a full-window wait, got %v", waited)
	}
}

func TestRateGate_TenantsAreIndependent(t *testing.T) {
	counter := newFakeCounter()
	gate := NewRateGate(counter)
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("blocked a tenant that had budget left")
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := gate.Admit(ctx, "tenant-a", 3); err != nil {
			t.Fatalf("tenant-a call %d: %v", i+1, err)
		}
	}
	// tenant-a's spent budget must not affect tenant-b.
	if err := gate.Admit(ctx, "tenant-b", 3); err != nil {
		t.Fatalf("tenant-b: %v", err)
	}
}

func TestRateGate_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	counter := newFakeCounter()
	gate := NewRateGate(counter)

	var mu sync.Mutex
	waits := 0
	gate.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits++
		counter.reset("ratelimit:xero:tenant-a")
		mu.Unlock()
		return nil
	}

	ctx := context.Background()
	const callers = 20
	const limit = 5

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gate.Admit(ctx, "tenant-a", limit); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// 20 admits at a budget of 5 need at least 3 window turnovers.
	if waits < 3 {
		t.Fatalf("expected at least 3 window waits, got %d", waits)
	}
}
