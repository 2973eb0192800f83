// Package lock provides mutual exclusion keyed by a business correlation id,
// with a bounded hold time so a crashed holder cannot wedge a key forever.
package lock

import (
	"context"
	"time"
)

// Lease is a held lock. Token identifies the holder; only the holder's
// Release removes the record.
type Lease struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// ExpiresAt is when the record lapses if never released.
func (l *Lease) ExpiresAt() time.Time { return l.AcquiredAt.Add(l.TTL) }

// Locker acquires and releases leases. Acquire returns ok=false when a live
// record exists for key. Release is idempotent: releasing a lapsed, already
// released, or foreign lease is a no-op.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lease *Lease, ok bool, err error)
	Release(ctx context.Context, lease *Lease) error
}
