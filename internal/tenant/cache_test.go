package tenant

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/punchgate/internal/domain"
)

var errUnknown = errors.New("unknown key")

type countingLookup struct {
	calls int32
	keys  map[string]domain.Principal
}

func (l *countingLookup) PrincipalByAPIKey(_ context.Context, keyHash string) (domain.Principal, error) {
	atomic.AddInt32(&l.calls, 1)
	p, ok := l.keys[keyHash]
	if !ok {
		return domain.Principal{}, errUnknown
	}
	return p, nil
}

func newLookup() *countingLookup {
	return &countingLookup{keys: map[string]domain.Principal{
		domain.HashAPIKey("key-a"):      {TenantID: "a", Role: domain.RoleAdmin},
		domain.HashAPIKey("key-a-user"): {TenantID: "a", UserID: "u1", Role: domain.RoleEditor},
		domain.HashAPIKey("key-b"):      {TenantID: "b", Role: domain.RoleAdmin},
	}}
}

func TestCache_PopulatesOnMiss(t *testing.T) {
	lookup := newLookup()
	c := NewCache(lookup, 16, time.Minute)

	for i := 0; i < 3; i++ {
		p, err := c.Resolve(context.Background(), "key-a")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if p.TenantID != "a" {
			t.Fatalf("expected tenant a, got %q", p.TenantID)
		}
	}
	if lookup.calls != 1 {
		t.Fatalf("expected one lookup, got %d", lookup.calls)
	}
}

func TestCache_UnknownKeyNotCached(t *testing.T) {
	lookup := newLookup()
	c := NewCache(lookup, 16, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := c.Resolve(context.Background(), "nope"); !errors.Is(err, errUnknown) {
			t.Fatalf("expected errUnknown, got %v", err)
		}
	}
	if lookup.calls != 2 {
		t.Fatalf("expected misses to reach the lookup each time, got %d", lookup.calls)
	}
}

func TestCache_InvalidateDropsOnlyThatTenant(t *testing.T) {
	c := NewCache(newLookup(), 16, time.Minute)
	ctx := context.Background()
	for _, k := range []string{"key-a", "key-a-user", "key-b"} {
		if _, err := c.Resolve(ctx, k); err != nil {
			t.Fatalf("resolve %s: %v", k, err)
		}
	}

	if n := c.Invalidate("a"); n != 2 {
		t.Fatalf("expected 2 entries dropped, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected tenant b to stay cached, got %d entries", c.Len())
	}
}

func TestCache_EntriesExpire(t *testing.T) {
	lookup := newLookup()
	c := NewCache(lookup, 16, 20*time.Millisecond)
	_, _ = c.Resolve(context.Background(), "key-b")
	time.Sleep(60 * time.Millisecond)
	_, _ = c.Resolve(context.Background(), "key-b")
	if lookup.calls != 2 {
		t.Fatalf("expected expired entry to be looked up again, got %d calls", lookup.calls)
	}
}

func TestCache_LookupFailurePassesThrough(t *testing.T) {
	errDown := errors.New("store unavailable")
	var fail atomic.Bool
	fail.Store(true)
	c := NewCache(LookupFunc(func(_ context.Context, keyHash string) (domain.Principal, error) {
		if fail.Load() {
			return domain.Principal{}, errDown
		}
		return domain.Principal{TenantID: "a", Role: domain.RoleAdmin}, nil
	}), 16, time.Minute)

	if _, err := c.Resolve(context.Background(), "key-a"); !errors.Is(err, errDown) {
		t.Fatalf("expected lookup error to be wrapped, got %v", err)
	}
	fail.Store(false)
	p, err := c.Resolve(context.Background(), "key-a")
	if err != nil || p.TenantID != "a" {
		t.Fatalf("expected recovery after the store comes back, got %+v %v", p, err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected only the successful lookup to be cached, got %d", c.Len())
	}
}

func TestCache_LookupRacingInvalidateIsNotCached(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var calls atomic.Int32
	c := NewCache(LookupFunc(func(context.Context, string) (domain.Principal, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-proceed
		}
		return domain.Principal{TenantID: "a", Role: domain.RoleAdmin}, nil
	}), 16, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := c.Resolve(context.Background(), "key-a")
		done <- err
	}()

	<-entered
	c.Invalidate("a")
	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if c.Len() != 0 {
		t.Fatalf("expected the racing lookup not to be cached, got %d entries", c.Len())
	}
	if _, err := c.Resolve(context.Background(), "key-a"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if calls.Load() != 2 || c.Len() != 1 {
		t.Fatalf("expected a fresh lookup to be cached, got %d calls and %d entries", calls.Load(), c.Len())
	}
}

func TestCache_InvalidateOfOtherTenantDoesNotBlockCaching(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	c := NewCache(LookupFunc(func(context.Context, string) (domain.Principal, error) {
		close(entered)
		<-proceed
		return domain.Principal{TenantID: "a", Role: domain.RoleAdmin}, nil
	}), 16, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := c.Resolve(context.Background(), "key-a")
		done <- err
	}()

	<-entered
	c.Invalidate("b")
	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected tenant a to be cached, got %d entries", c.Len())
	}
}
