// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package uploader is the agent's upload pipeline: a bounded
// producer-consumer queue between the log tailer and the controller,
// supporting both the streaming and batched delivery modes.
package uploader

import (
	"context"
	"time"

	"grimm.is/devicewall/internal/logging"
	"grimm.is/devicewall/internal/protocol"
)

// Mode selects the delivery strategy. Both are fully implemented; the
// agent's configuration picks one.
type Mode string

const (
	ModeStreaming Mode = "streaming"
	ModeBatched   Mode = "batched"
)

// Poster is the transport the pipeline drains into; ingestclient.Client
// satisfies it.
type Poster interface {
	PostOne(ctx context.Context, e protocol.LogEntry) error
	PostBatch(ctx context.Context, entries []protocol.LogEntry) (processed int, err error)
}

// Metrics are the agent-side counters this pipeline maintains.
type Metrics interface {
	IncEnqueued()
	IncDropped()
	IncPostFailed()
	IncPosted(n int)
}

type noopMetrics struct{}

func (noopMetrics) IncEnqueued()    {}
func (noopMetrics) IncDropped()     {}
func (noopMetrics) IncPostFailed()  {}
func (noopMetrics) IncPosted(n int) {}

// Config bundles the pipeline's tunables.
type Config struct {
	Mode          Mode
	QueueCapacity int
	BatchSize     int
	BatchInterval time.Duration
	PostTimeout   time.Duration
}

// Pipeline buffers parsed log entries and drains them to a Poster under
// back-pressure: when the bounded queue is full, the oldest undelivered
// entry is dropped rather than blocking the tailer.
type Pipeline struct {
	cfg     Config
	poster  Poster
	logger  *logging.Logger
	metrics Metrics

	mu    chan struct{} // binary semaphore guarding queue
	queue []protocol.LogEntry
	wake  chan struct{}
}

// New builds a Pipeline. Zero-valued Config fields take the defaults.
func New(poster Poster, cfg Config, logger *logging.Logger, metrics Metrics) *Pipeline {
	if cfg.Mode == "" {
		cfg.Mode = ModeBatched
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 2 * time.Second
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = logging.Default().WithComponent("uploader")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &Pipeline{
		cfg:     cfg,
		poster:  poster,
		logger:  logger,
		metrics: metrics,
		mu:      mu,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds e to the queue, dropping the oldest entry first if the
// queue is already at capacity. Never blocks.
func (p *Pipeline) Enqueue(e protocol.LogEntry) {
	<-p.mu
	if len(p.queue) >= p.cfg.QueueCapacity {
		p.queue = p.queue[1:]
		p.metrics.IncDropped()
	}
	p.queue = append(p.queue, e)
	p.mu <- struct{}{}

	p.metrics.IncEnqueued()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) drainUpTo(n int) []protocol.LogEntry {
	<-p.mu
	defer func() { p.mu <- struct{}{} }()
	if len(p.queue) == 0 {
		return nil
	}
	if n <= 0 || n > len(p.queue) {
		n = len(p.queue)
	}
	batch := make([]protocol.LogEntry, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	return batch
}

func (p *Pipeline) queueLen() int {
	<-p.mu
	defer func() { p.mu <- struct{}{} }()
	return len(p.queue)
}

// Run drains the pipeline until ctx is cancelled, using the configured
// delivery mode.
func (p *Pipeline) Run(ctx context.Context) {
	if p.cfg.Mode == ModeStreaming {
		p.runStreaming(ctx)
		return
	}
	p.runBatched(ctx)
}

// runStreaming posts one entry at a time, fire-and-forget with a short
// timeout, as soon as it's available.
func (p *Pipeline) runStreaming(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch := p.drainUpTo(1)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		postCtx, cancel := context.WithTimeout(ctx, p.cfg.PostTimeout)
		err := p.poster.PostOne(postCtx, batch[0])
		cancel()
		if err != nil {
			// Transport failure: discard, don't retry; the tailer's
			// next observation supersedes this one anyway.
			p.metrics.IncPostFailed()
			p.logger.Warn("streaming post failed, entry discarded", "error", err)
			continue
		}
		p.metrics.IncPosted(1)
	}
}

// runBatched coalesces entries into batches of up to BatchSize or
// BatchInterval, whichever comes first.
func (p *Pipeline) runBatched(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flushBatch(ctx)
		case <-p.wake:
			if p.queueLen() >= p.cfg.BatchSize {
				p.flushBatch(ctx)
			}
		}
	}
}

func (p *Pipeline) flushBatch(ctx context.Context) {
	batch := p.drainUpTo(p.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}
	postCtx, cancel := context.WithTimeout(ctx, p.cfg.PostTimeout)
	defer cancel()

	processed, err := p.poster.PostBatch(postCtx, batch)
	if err != nil {
		p.metrics.IncPostFailed()
		p.logger.Warn("batch post failed, batch discarded", "size", len(batch), "error", err)
		return
	}
	p.metrics.IncPosted(processed)
}

// QueueDepth reports the current queue length, for health/metrics
// endpoints.
func (p *Pipeline) QueueDepth() int {
	return p.queueLen()
}
