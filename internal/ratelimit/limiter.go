// Package ratelimit bounds how many requests a subject (tenant) may make
// within a fixed window.
//
// A subject's counter is created on first use, reset once the window has
// elapsed, and incremented while below the maximum. A denied request never
// mutates the counter. Implementations must perform the read-check-write
// as one atomic step per subject.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "punchgate_ratelimit_decisions_total",
	Help: "Rate limit decisions, labeled by outcome",
}, []string{"outcome"})

// Config holds the window parameters.
type Config struct {
	Max    int
	Window time.Duration
}

func (c Config) validate() error {
	if c.Max <= 0 {
		return fmt.Errorf("rate limit max must be > 0, got %d", c.Max)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit window must be > 0, got %s", c.Window)
	}
	return nil
}

// Decision is the outcome of one CheckAndConsume call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	// RetryAfter is how long until the window resets. Set only when denied.
	RetryAfter time.Duration
}

// Limiter is the gate run before business logic.
type Limiter interface {
	CheckAndConsume(ctx context.Context, subject string) (Decision, error)
}

func decide(allowed bool, count int, windowStart, now time.Time, cfg Config) Decision {
	d := Decision{Allowed: allowed, Count: count, Limit: cfg.Max, Remaining: cfg.Max - count}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !allowed {
		d.RetryAfter = windowStart.Add(cfg.Window).Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
		decisionsTotal.WithLabelValues("denied").Inc()
	} else {
		decisionsTotal.WithLabelValues("allowed").Inc()
	}
	return d
}
