// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scheduler is the controller's periodic-task runner: the
// belt-and-suspenders scan, index/cache pruning, the re-enable sweep,
// and the bounded worker pool that turns a touched subscriber ID into a
// violation evaluation and, if warranted, an enforcement call.
package scheduler

import (
	"context"
	"sync"
	"time"

	"grimm.is/devicewall/internal/clock"
	"grimm.is/devicewall/internal/logging"
	"grimm.is/devicewall/internal/violation"
)

// Index is the subset of store.Store the scheduler drives directly (the
// violation detector reads the same store through its own narrower
// Index interface).
type Index interface {
	ActiveSubscribers(window time.Duration, now time.Time) ([]string, error)
	Prune(retain time.Duration, now time.Time) (int64, error)
	violation.Index
}

// LimitSource is the subset of limitcache.Cache the scheduler depends on.
type LimitSource interface {
	GetLimit(ctx context.Context, subscriberID string) (limit uint32, ok bool)
	Prune()
}

// Enforcer is the subset of enforcement.Coordinator the scheduler drives.
type Enforcer interface {
	Enforce(ctx context.Context, ev violation.Event) error
	ReEnableDue(ctx context.Context) error
	PruneCooldowns()
}

// Config bundles the scheduler's tunables.
type Config struct {
	IPWindow         time.Duration
	ConcurrentWindow time.Duration
	Grace            time.Duration
	Policy           violation.Policy

	ScanInterval  time.Duration
	PruneInterval time.Duration
	ReEnableTick  time.Duration

	// WorkerPoolSize bounds concurrent violation evaluations so a
	// slow upstream API cannot exhaust workers.
	WorkerPoolSize int
}

// Scheduler owns the controller's long-lived periodic tasks and the
// bounded worker pool that evaluates touched subscribers.
type Scheduler struct {
	index    Index
	limits   LimitSource
	enforcer Enforcer
	logger   *logging.Logger
	cfg      Config

	sem   chan struct{}
	wg    sync.WaitGroup
	scanC chan struct{}
}

// New builds a Scheduler. Zero-valued Config fields take the
// defaults.
func New(index Index, limits LimitSource, enforcer Enforcer, logger *logging.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = logging.Default().WithComponent("scheduler")
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 16
	}
	if cfg.Policy == "" {
		cfg.Policy = violation.PolicySmart
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 30 * time.Second
	}
	if cfg.ReEnableTick <= 0 {
		cfg.ReEnableTick = 15 * time.Second
	}
	return &Scheduler{
		index:    index,
		limits:   limits,
		enforcer: enforcer,
		logger:   logger,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.WorkerPoolSize),
		scanC:    make(chan struct{}, 1),
	}
}

// Run starts the scanner, pruner, and re-enable sweeper as independent
// periodic tasks, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var loopWG sync.WaitGroup
	loopWG.Add(3)
	go func() { defer loopWG.Done(); s.scanLoop(ctx) }()
	go func() { defer loopWG.Done(); s.pruneLoop(ctx) }()
	go func() { defer loopWG.Done(); s.reEnableLoop(ctx) }()
	loopWG.Wait()
	s.wg.Wait() // drain in-flight evaluations before returning
}

func (s *Scheduler) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		case <-s.scanC:
			s.scanOnce(ctx)
		}
	}
}

func (s *Scheduler) scanOnce(ctx context.Context) {
	now := clock.Now()
	ids, err := s.index.ActiveSubscribers(s.cfg.IPWindow, now)
	if err != nil {
		s.logger.Warn("scan: failed to list active subscribers", "error", err)
		return
	}
	for _, id := range ids {
		s.EvaluateSubscriber(id)
	}
}

// TriggerScan requests an out-of-band scan pass, for the admin facade's
// manual trigger. Non-blocking: a scan already pending collapses
// with this one.
func (s *Scheduler) TriggerScan() {
	select {
	case s.scanC <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneOnce()
		}
	}
}

func (s *Scheduler) pruneOnce() {
	retain := s.cfg.IPWindow + s.cfg.Grace
	n, err := s.index.Prune(retain, clock.Now())
	if err != nil {
		s.logger.Warn("prune: failed to evict stale connection entries", "error", err)
	} else if n > 0 {
		s.logger.Debug("prune: evicted stale connection entries", "count", n)
	}
	s.limits.Prune()
	s.enforcer.PruneCooldowns()
}

func (s *Scheduler) reEnableLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReEnableTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.enforcer.ReEnableDue(ctx); err != nil {
				s.logger.Warn("re-enable sweep failed", "error", err)
			}
		}
	}
}

// EvaluateSubscriber runs the decision procedure for subscriberID and,
// if it's in violation, calls the enforcement coordinator — all on a
// worker drawn from the bounded pool, so a burst of touched subscribers
// (or a slow upstream limit lookup) can never spawn unbounded
// goroutines. It satisfies ingest.Evaluator.
func (s *Scheduler) EvaluateSubscriber(subscriberID string) {
	s.sem <- struct{}{}
	s.wg.Add(1)
	go func() {
		defer func() { <-s.sem; s.wg.Done() }()
		s.evaluate(subscriberID)
	}()
}

// ForceEvaluate runs the evaluation synchronously, for the admin
// facade's manual trigger, returning whether enforcement ran.
func (s *Scheduler) ForceEvaluate(ctx context.Context, subscriberID string) (bool, error) {
	return s.evaluateCtx(ctx, subscriberID)
}

func (s *Scheduler) evaluate(subscriberID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.evaluateCtx(ctx, subscriberID); err != nil {
		s.logger.Warn("evaluation failed", "subscriber", subscriberID, "error", err)
	}
}

func (s *Scheduler) evaluateCtx(ctx context.Context, subscriberID string) (bool, error) {
	now := clock.Now()
	limit, ok := s.limits.GetLimit(ctx, subscriberID)
	if !ok {
		return false, nil
	}

	ev, violated, err := violation.Evaluate(s.index, s.cfg.Policy, subscriberID, limit, s.cfg.IPWindow, s.cfg.ConcurrentWindow, now)
	if err != nil {
		return false, err
	}
	if !violated {
		return false, nil
	}
	if err := s.enforcer.Enforce(ctx, ev); err != nil {
		return false, err
	}
	return true, nil
}
