package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps counters in process memory. Useful for tests and
// single-instance development; counters are not shared across replicas.
type MemoryLimiter struct {
	cfg      Config
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

type counter struct {
	count       int
	windowStart time.Time
}

type MemoryOption func(*MemoryLimiter)

func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) { l.now = now }
}

func NewMemoryLimiter(cfg Config, opts ...MemoryOption) (*MemoryLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &MemoryLimiter{
		cfg:      cfg,
		counters: make(map[string]*counter),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *MemoryLimiter) CheckAndConsume(_ context.Context, subject string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[subject]
	switch {
	case !ok:
		c = &counter{count: 1, windowStart: now}
		l.counters[subject] = c
	case now.Sub(c.windowStart) > l.cfg.Window:
		c.count = 1
		c.windowStart = now
	case c.count < l.cfg.Max:
		c.count++
	default:
		return decide(false, c.count, c.windowStart, now, l.cfg), nil
	}
	return decide(true, c.count, c.windowStart, now, l.cfg), nil
}

// Cleanup drops counters whose window ended before now.
func (l *MemoryLimiter) Cleanup() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, c := range l.counters {
		if now.Sub(c.windowStart) > l.cfg.Window {
			delete(l.counters, k)
		}
	}
}

// StartJanitor runs Cleanup every interval until ctx ends.
func (l *MemoryLimiter) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Cleanup()
			}
		}
	}()
}
