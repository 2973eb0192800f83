// Package tenant resolves API keys to principals through a bounded,
// expiring cache.
//
// Entries are populated on a miss and dropped when they expire or when
// Invalidate is called for their tenant. Lookup failures, unknown keys
// included, are not cached, so a freshly issued key works on its first use.
// A lookup that overlaps an Invalidate of its tenant is not cached either,
// so a revoked key cannot be re-added by a request that raced the revocation.
package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/punchamoorthee/punchgate/internal/domain"
)

// Lookup finds the principal owning a hashed API key.
type Lookup interface {
	PrincipalByAPIKey(ctx context.Context, keyHash string) (domain.Principal, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, keyHash string) (domain.Principal, error)

func (f LookupFunc) PrincipalByAPIKey(ctx context.Context, keyHash string) (domain.Principal, error) {
	return f(ctx, keyHash)
}

type Cache struct {
	lookup Lookup
	lru    *expirable.LRU[string, domain.Principal]

	mu sync.Mutex
	// epoch advances on every Invalidate; invalidated records the epoch at
	// which each tenant was last invalidated.
	epoch       uint64
	invalidated map[string]uint64
}

func NewCache(lookup Lookup, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 1024
	}
	return &Cache{
		lookup:      lookup,
		lru:         expirable.NewLRU[string, domain.Principal](size, nil, ttl),
		invalidated: make(map[string]uint64),
	}
}

// Resolve returns the principal for a raw API key.
func (c *Cache) Resolve(ctx context.Context, apiKey string) (domain.Principal, error) {
	hash := domain.HashAPIKey(apiKey)
	if p, ok := c.lru.Get(hash); ok {
		return p, nil
	}
	c.mu.Lock()
	started := c.epoch
	c.mu.Unlock()

	p, err := c.lookup.PrincipalByAPIKey(ctx, hash)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("resolve api key: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalidated[p.TenantID] <= started {
		c.lru.Add(hash, p)
	}
	return p, nil
}

// Invalidate drops every cached principal belonging to tenantID.
func (c *Cache) Invalidate(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.invalidated[tenantID] = c.epoch

	n := 0
	for _, k := range c.lru.Keys() {
		if p, ok := c.lru.Peek(k); ok && p.TenantID == tenantID {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

// Len is the number of live entries.
func (c *Cache) Len() int { return c.lru.Len() }
