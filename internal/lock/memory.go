package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is a single-process Locker. Useful for tests and development.
type MemoryLocker struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	token     string
	expiresAt time.Time
}

type MemoryOption func(*MemoryLocker)

// WithClock replaces time.Now, letting tests move past a ttl.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLocker) { l.now = now }
}

func NewMemoryLocker(opts ...MemoryOption) *MemoryLocker {
	l := &MemoryLocker{
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[key]; ok && now.Before(rec.expiresAt) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.records[key] = memoryRecord{token: token, expiresAt: now.Add(ttl)}
	return &Lease{Key: key, Token: token, AcquiredAt: now, TTL: ttl}, true, nil
}

func (l *MemoryLocker) Release(_ context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[lease.Key]; ok && rec.token == lease.Token {
		delete(l.records, lease.Key)
	}
	return nil
}

// Held reports whether a live record exists for key.
func (l *MemoryLocker) Held(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	return ok && now.Before(rec.expiresAt)
}
