// Package tiered composes an in-process L1 cache with a shared L2 cache.
package tiered

import (
	"context"
	"time"

	"github.com/Strob0t/AgentForge/internal/port/cache"
)

// Cache reads through L1 then L2, backfilling L1 on an L2 hit so repeated
// reads of hot agent state stay in-process. Writes and deletes hit both
// tiers; a stale L1 entry after a failed L2 write expires via l1TTL.
type Cache struct {
	l1    cache.Cache
	l2    cache.Cache
	l1TTL time.Duration
}

// New creates a tiered cache. l1TTL bounds how long backfilled entries live
// in L1.
func New(l1, l2 cache.Cache, l1TTL time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1TTL: l1TTL}
}

// Get checks L1 first, then L2. An L2 hit is copied into L1.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}

	_ = c.l1.Set(ctx, key, val, c.l1TTL)
	return val, true, nil
}

// Set writes to both tiers.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.l2.Set(ctx, key, value, ttl)
}

// Delete removes the key from both tiers. L2 is attempted even when L1
// fails so a shared stale entry cannot survive a local error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	l1Err := c.l1.Delete(ctx, key)
	if err := c.l2.Delete(ctx, key); err != nil {
		return err
	}
	return l1Err
}
