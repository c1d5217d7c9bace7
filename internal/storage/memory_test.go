package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryStore(max int) (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)}
	return NewMemoryStore(max).WithClock(clock.Now), clock
}

func TestMemoryStoreGetSetExpiry(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemoryStore(10)

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("unexpected value: %q err=%v", got, err)
	}

	clock.Advance(time.Minute)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected entry to expire, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemoryStore(10)

	value := []byte("abc")
	_ = store.Set(ctx, "k", value, 0)
	value[0] = 'z'

	got, _ := store.Get(ctx, "k")
	got[1] = 'z'

	again, _ := store.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("stored value was mutated: %q", again)
	}
}

func TestMemoryStoreSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemoryStore(10)

	ok, err := store.SetIfAbsent(ctx, "once", []byte("1"), 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("first SetIfAbsent: ok=%v err=%v", ok, err)
	}
	ok, _ = store.SetIfAbsent(ctx, "once", []byte("1"), 10*time.Second)
	if ok {
		t.Fatal("second SetIfAbsent should not store")
	}

	clock.Advance(11 * time.Second)
	ok, _ = store.SetIfAbsent(ctx, "once", []byte("1"), 10*time.Second)
	if !ok {
		t.Fatal("SetIfAbsent should succeed after expiry")
	}
}

func TestMemoryStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemoryStore(10)

	increment := func(current []byte) ([]byte, error) {
		if current == nil {
			return []byte("1"), nil
		}
		return append(current, '1'), nil
	}
	for i := 0; i < 3; i++ {
		if err := store.Update(ctx, "counter", time.Minute, increment); err != nil {
			t.Fatalf("Update returned error: %v", err)
		}
	}
	got, _ := store.Get(ctx, "counter")
	if string(got) != "111" {
		t.Fatalf("unexpected counter: %q", got)
	}

	sentinel := errors.New("boom")
	err := store.Update(ctx, "counter", time.Minute, func([]byte) ([]byte, error) { return nil, sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected callback error, got %v", err)
	}

	if err := store.Update(ctx, "untouched", time.Minute, func([]byte) ([]byte, error) { return nil, nil }); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if _, err := store.Get(ctx, "untouched"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("nil result should not write, got %v", err)
	}
}

func TestMemoryStoreUpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemoryStore(10)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Update(ctx, "n", 0, func(current []byte) ([]byte, error) {
				return append(current, 'x'), nil
			})
		}()
	}
	wg.Wait()

	got, _ := store.Get(ctx, "n")
	if len(got) != 50 {
		t.Fatalf("lost updates: len=%d", len(got))
	}
}

func TestMemoryStoreBounded(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestMemoryStore(3)

	_ = store.Set(ctx, "a", []byte("a"), 3*time.Minute)
	_ = store.Set(ctx, "b", []byte("b"), time.Minute)
	_ = store.Set(ctx, "c", []byte("c"), 2*time.Minute)
	_ = store.Set(ctx, "d", []byte("d"), 4*time.Minute)

	if store.Len() != 3 {
		t.Fatalf("unexpected size: %d", store.Len())
	}
	if _, err := store.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected soonest-expiring entry to be evicted, got %v", err)
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, err := store.Get(ctx, k); err != nil {
			t.Fatalf("expected %s to survive: %v", k, err)
		}
	}
}

func TestMemoryStoreCleanupIdempotent(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestMemoryStore(100)

	for i := 0; i < 5; i++ {
		_ = store.Set(ctx, fmt.Sprintf("short-%d", i), []byte("x"), time.Second)
	}
	_ = store.Set(ctx, "long", []byte("x"), time.Hour)

	clock.Advance(2 * time.Second)
	removed, err := store.Cleanup(ctx)
	if err != nil || removed != 5 {
		t.Fatalf("unexpected cleanup result: removed=%d err=%v", removed, err)
	}
	removed, _ = store.Cleanup(ctx)
	if removed != 0 {
		t.Fatalf("second cleanup removed %d entries", removed)
	}
	if _, err := store.Get(ctx, "long"); err != nil {
		t.Fatalf("long-lived entry should survive: %v", err)
	}
}
