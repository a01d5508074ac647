package lock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryLockerExcludesConcurrentHolders(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	lease, ok, err := locker.TryAcquire(ctx, "job-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if _, ok, _ := locker.TryAcquire(ctx, "job-1", time.Minute); ok {
		t.Fatalf("second acquire must fail while held")
	}
	if _, ok, _ := locker.TryAcquire(ctx, "job-2", time.Minute); !ok {
		t.Fatalf("different key must be independent")
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if _, ok, _ := locker.TryAcquire(ctx, "job-1", time.Minute); !ok {
		t.Fatalf("acquire after release must succeed")
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Unix(1_700_000_000, 0)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	stale, ok, _ := locker.TryAcquire(ctx, "job-1", time.Second)
	if !ok {
		t.Fatalf("acquire failed")
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := locker.TryAcquire(ctx, "job-1", time.Minute); !ok {
		t.Fatalf("expired lease must be replaceable")
	}
	_ = stale.Release(ctx)
	if _, ok, _ := locker.TryAcquire(ctx, "job-1", time.Minute); ok {
		t.Fatalf("stale release removed the successor's lease")
	}
}

func TestMemoryLockerSingleWinner(t *testing.T) {
	locker := NewMemoryLocker()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := locker.TryAcquire(context.Background(), "job-1", time.Minute); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestNewRedisLockerPrefix(t *testing.T) {
	if l := NewRedisLocker(nil, " custom: "); l.prefix != "custom" {
		t.Fatalf("prefix = %q", l.prefix)
	}
	if l := NewRedisLocker(nil, ""); l.prefix != "shopimage:lease" {
		t.Fatalf("default prefix = %q", l.prefix)
	}
}
