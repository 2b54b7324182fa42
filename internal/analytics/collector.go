// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package analytics

import (
	"context"
	"sync"
	"time"

	"grimm.is/devicewall/internal/model"
)

// Collector handles in-memory aggregation of connection events into
// time-bucketed activity summaries.
type Collector struct {
	mu      sync.Mutex
	buckets map[key]*bucket
	store   *Store
	window  time.Duration
}

// Store returns the underlying analytics store.
func (c *Collector) Store() *Store {
	return c.store
}

type key struct {
	bucket     int64
	node       string
	subscriber string
}

type bucket struct {
	events int64
	ips    map[string]struct{}
}

// NewCollector creates a new analytics collector.
func NewCollector(store *Store, bucketWindow time.Duration) *Collector {
	if bucketWindow == 0 {
		bucketWindow = 5 * time.Minute
	}
	return &Collector{
		buckets: make(map[key]*bucket),
		store:   store,
		window:  bucketWindow,
	}
}

// Record aggregates one accepted connection event into its time bucket.
func (c *Collector) Record(e model.ConnectionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := e.ObservedAt.Unix()
	bucketStart := ts - (ts % int64(c.window.Seconds()))

	k := key{
		bucket:     bucketStart,
		node:       e.Node,
		subscriber: e.SubscriberID,
	}

	b, exists := c.buckets[k]
	if !exists {
		b = &bucket{ips: make(map[string]struct{})}
		c.buckets[k] = b
	}

	b.events++
	b.ips[e.IP] = struct{}{}
}

// Flush persists all currently aggregated buckets to the store and clears
// the memory.
func (c *Collector) Flush() error {
	c.mu.Lock()
	toFlush := make([]Summary, 0, len(c.buckets))
	for k, b := range c.buckets {
		toFlush = append(toFlush, Summary{
			BucketTime:  time.Unix(k.bucket, 0),
			Node:        k.node,
			Subscriber:  k.subscriber,
			Events:      b.events,
			DistinctIPs: int64(len(b.ips)),
		})
	}
	c.buckets = make(map[key]*bucket)
	c.mu.Unlock()

	if len(toFlush) == 0 {
		return nil
	}

	return c.store.RecordSummaries(toFlush)
}

// Run flushes aggregated buckets to the store at fixed intervals until
// ctx is cancelled, with a final flush on the way out.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.Flush()
			return
		case <-ticker.C:
			_ = c.Flush()
		}
	}
}
