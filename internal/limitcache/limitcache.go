// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package limitcache implements the controller's device-limit cache
// : a TTL'd view over the subscription API's hwidDeviceLimit
// field, with the "0 or missing" and "not enrolled" cases collapsed to a
// single "no policy" result.
package limitcache

import (
	"context"
	"sync"
	"time"

	"grimm.is/devicewall/internal/clock"
	"grimm.is/devicewall/internal/model"
)

// UserResolver is the subset of subscription.Client the cache depends on,
// narrowed to the two fields read off the upstream user object.
type UserResolver interface {
	GetUser(ctx context.Context, subscriberID string) (uuid string, limit uint32, err error)
}

// Cache is the controller's per-subscriber device-limit cache.
type Cache struct {
	resolver UserResolver
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]model.DeviceLimit
}

// New builds a Cache with the given TTL.
func New(resolver UserResolver, ttl time.Duration) *Cache {
	return &Cache{
		resolver: resolver,
		ttl:      ttl,
		entries:  make(map[string]model.DeviceLimit),
	}
}

// GetLimit returns the subscriber's device limit, or ok=false if the
// subscriber has no policy ("unlimited" and "not enrolled" collapse to
// the same result at this layer) or the upstream call failed.
func (c *Cache) GetLimit(ctx context.Context, subscriberID string) (limit uint32, ok bool) {
	now := clock.Now()

	c.mu.Lock()
	if e, found := c.entries[subscriberID]; found && now.Sub(e.FetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.Limit, e.Limit > 0
	}
	c.mu.Unlock()

	_, rawLimit, err := c.resolver.GetUser(ctx, subscriberID)
	if err != nil {
		// On failure, return none without caching: a transient
		// upstream hiccup should not freeze a stale "no policy" result.
		return 0, false
	}

	c.mu.Lock()
	c.entries[subscriberID] = model.DeviceLimit{SubscriberID: subscriberID, Limit: rawLimit, FetchedAt: now}
	c.mu.Unlock()

	return rawLimit, rawLimit > 0
}

// Prune evicts cache entries older than the TTL.
func (c *Cache) Prune() {
	now := clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if now.Sub(e.FetchedAt) >= c.ttl {
			delete(c.entries, id)
		}
	}
}
