package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb), mr
}

func TestMemoryLocker_SecondAcquireFailsWhileHeld(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	lease, ok, err := l.Acquire(ctx, "buyer:cookie123", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.Acquire(ctx, "buyer:cookie123", 5*time.Second); ok {
		t.Fatalf("expected second acquire to fail while held")
	}

	if err := l.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := l.Acquire(ctx, "buyer:cookie123", 5*time.Second); !ok {
		t.Fatalf("expected acquire to succeed after release")
	}
}

func TestMemoryLocker_ExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := NewMemoryLocker(WithClock(clock.Now))
	ctx := context.Background()

	if _, ok, _ := l.Acquire(ctx, "k", 5*time.Second); !ok {
		t.Fatalf("expected acquire")
	}
	clock.Advance(4 * time.Second)
	if _, ok, _ := l.Acquire(ctx, "k", 5*time.Second); ok {
		t.Fatalf("expected lock to still be held before ttl")
	}
	clock.Advance(time.Second)
	if _, ok, _ := l.Acquire(ctx, "k", 5*time.Second); !ok {
		t.Fatalf("expected lock to be acquirable once ttl elapsed")
	}
}

func TestMemoryLocker_ReleaseIsIdempotentAndIgnoresForeignLease(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	lease, _, _ := l.Acquire(ctx, "k", time.Minute)
	foreign := &Lease{Key: "k", Token: "someone-else"}
	if err := l.Release(ctx, foreign); err != nil {
		t.Fatalf("foreign release should be a no-op, got %v", err)
	}
	if !l.Held("k") {
		t.Fatalf("expected lock to survive foreign release")
	}

	if err := l.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Release(ctx, lease); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
	if err := l.Release(ctx, nil); err != nil {
		t.Fatalf("nil release should be a no-op, got %v", err)
	}
}

func TestMemoryLocker_ConcurrentAcquireSingleWinner(t *testing.T) {
	l := NewMemoryLocker()
	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.Acquire(context.Background(), "hot", time.Minute); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestRedisLocker_AcquireReleaseCycle(t *testing.T) {
	l, _ := newRedisLocker(t)
	ctx := context.Background()

	lease, ok, err := l.Acquire(ctx, "buyer:cookie123", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected acquire, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.Acquire(ctx, "buyer:cookie123", 5*time.Second); err != nil || ok {
		t.Fatalf("expected contended acquire to fail cleanly, got ok=%v err=%v", ok, err)
	}
	if err := l.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := l.Acquire(ctx, "buyer:cookie123", 5*time.Second); !ok {
		t.Fatalf("expected acquire after release")
	}
}

func TestRedisLocker_TTLLapses(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	if _, ok, _ := l.Acquire(ctx, "k", 5*time.Second); !ok {
		t.Fatalf("expected acquire")
	}
	mr.FastForward(5 * time.Second)
	if _, ok, _ := l.Acquire(ctx, "k", 5*time.Second); !ok {
		t.Fatalf("expected lapsed lock to be acquirable")
	}
}

func TestRedisLocker_ForeignReleaseKeepsRecord(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	if _, ok, _ := l.Acquire(ctx, "k", time.Minute); !ok {
		t.Fatalf("expected acquire")
	}
	if err := l.Release(ctx, &Lease{Key: "k", Token: "not-mine"}); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if !mr.Exists("punchgate:lock:k") {
		t.Fatalf("expected record to remain after foreign release")
	}
}
