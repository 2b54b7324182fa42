// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package enforcement implements the enforcement coordinator:
// per-subscriber serialized enforcement against the subscription API and
// a concurrent fan-out of firewall blocks to every node agent.
package enforcement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/devicewall/internal/clock"
	"grimm.is/devicewall/internal/errors"
	"grimm.is/devicewall/internal/logging"
	"grimm.is/devicewall/internal/model"
	"grimm.is/devicewall/internal/violation"
)

// SubscriberState is the durable BlockedSubscriber store the coordinator
// reads and writes. Cooldowns are not persisted; the Coordinator keeps
// them in memory.
type SubscriberState interface {
	SetBlocked(subscriberID string, expiresAt time.Time) error
	ClearBlocked(subscriberID string) error
	AllBlocked() ([]model.BlockedSubscriber, error)
}

// UserResolver resolves a subscriber's upstream UUID and issues the
// enable/disable actions.
type UserResolver interface {
	ResolveUUID(ctx context.Context, subscriberID string) (uuid string, err error)
	Disable(ctx context.Context, uuid string) error
	Enable(ctx context.Context, uuid string) error
}

// NodeBlocker is the per-node fan-out target.
type NodeBlocker interface {
	Block(ctx context.Context, node, ip string, port int, ttl time.Duration) error
}

// Notifier is the side-notification sink.
type Notifier interface {
	SendSimple(title, message, level string)
}

// Metrics are the enforcement series the coordinator maintains; nil
// disables them.
type Metrics interface {
	IncViolation()
	IncEnforcement()
	IncReEnable()
	IncFanoutFailure()
}

// Config bundles the coordinator's tunables.
type Config struct {
	DropCooldown time.Duration
	DropDuration time.Duration
	DisableDura  time.Duration
	DropAllIPs   bool
	NodeNames    []string
}

// Coordinator runs the enforcement procedure. Each subscriber has its
// own mutex so enforcement for distinct subscribers runs fully
// concurrently while actions for the same subscriber serialize.
type Coordinator struct {
	state    SubscriberState
	resolver UserResolver
	blocker  NodeBlocker
	notifier Notifier
	logger   *logging.Logger
	cfg      Config
	metrics  Metrics

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	cooldownMu sync.Mutex
	cooldown   map[string]time.Time

	nodeNamesMu sync.RWMutex
}

// New builds a Coordinator.
func New(state SubscriberState, resolver UserResolver, blocker NodeBlocker, notifier Notifier, logger *logging.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = logging.Default().WithComponent("enforcement")
	}
	return &Coordinator{
		state:    state,
		resolver: resolver,
		blocker:  blocker,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
		cooldown: make(map[string]time.Time),
	}
}

// SetMetrics attaches the enforcement metric series. Call during wiring,
// before enforcement traffic starts; nil leaves metrics disabled.
func (c *Coordinator) SetMetrics(m Metrics) {
	c.metrics = m
}

// SetNodeNames replaces the fan-out target list, for the admin facade's
// node CRUD. Safe to call while enforcement is in flight: in-progress
// fan-outs keep using the node list they already captured.
func (c *Coordinator) SetNodeNames(names []string) {
	c.nodeNamesMu.Lock()
	defer c.nodeNamesMu.Unlock()
	c.cfg.NodeNames = append([]string(nil), names...)
}

func (c *Coordinator) nodeNames() []string {
	c.nodeNamesMu.RLock()
	defer c.nodeNamesMu.RUnlock()
	return c.cfg.NodeNames
}

func (c *Coordinator) lockFor(subscriberID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[subscriberID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[subscriberID] = l
	}
	return l
}

// Enforce runs the enforcement procedure for one ViolationEvent,
// serialized per subscriber.
func (c *Coordinator) Enforce(ctx context.Context, ev violation.Event) error {
	lock := c.lockFor(ev.SubscriberID)
	lock.Lock()
	defer lock.Unlock()

	if c.metrics != nil {
		c.metrics.IncViolation()
	}

	now := clock.Now()

	// Step 1: cool-down check.
	c.cooldownMu.Lock()
	last, onCooldown := c.cooldown[ev.SubscriberID]
	c.cooldownMu.Unlock()
	if onCooldown && now.Sub(last) < c.cfg.DropCooldown {
		c.logger.Debug("enforcement suppressed by cooldown", "subscriber", ev.SubscriberID)
		return nil
	}

	// Step 2: resolve upstream UUID.
	uuid, err := c.resolver.ResolveUUID(ctx, ev.SubscriberID)
	if err != nil {
		c.logger.Warn("failed to resolve subscriber uuid", "subscriber", ev.SubscriberID, "error", err)
		c.setCooldown(ev.SubscriberID, now)
		return err
	}

	// Step 3: disable upstream.
	if err := c.resolver.Disable(ctx, uuid); err != nil {
		c.logger.Warn("failed to disable subscriber", "subscriber", ev.SubscriberID, "uuid", uuid, "error", err)
		c.setCooldown(ev.SubscriberID, now)
		return err
	}

	if c.metrics != nil {
		c.metrics.IncEnforcement()
	}

	// Step 4: persist BlockedSubscriber.
	expiresAt := now.Add(c.cfg.DisableDura)
	if err := c.state.SetBlocked(ev.SubscriberID, expiresAt); err != nil {
		c.logger.Error("failed to persist blocked subscriber", "subscriber", ev.SubscriberID, "error", err)
	}

	// Step 5: select IPs to drop.
	toDrop := c.selectIPs(ev)

	// Step 6: fan out blocks to every node concurrently.
	blocked := c.fanOutBlocks(ctx, toDrop)

	// Step 7: side-notification.
	if c.notifier != nil {
		c.notifier.SendSimple(
			"device limit exceeded",
			fmt.Sprintf("subscriber %s exceeded its device limit (%d): %s; blocked %d/%d addresses", ev.SubscriberID, ev.Limit, ev.Reason, blocked, len(toDrop)),
			"warning",
		)
	}

	// Step 8: set cooldown.
	c.setCooldown(ev.SubscriberID, now)

	return nil
}

func (c *Coordinator) selectIPs(ev violation.Event) []string {
	if c.cfg.DropAllIPs {
		ips := make([]string, 0, len(ev.IPs))
		for ip := range ev.IPs {
			ips = append(ips, ip)
		}
		return ips
	}
	// Drop only the excess beyond the limit, preferring the concurrent
	// set (the addresses actually implicated in the violation). When the
	// concurrent set is not over the limit, every concurrent address is
	// dropped.
	excess := len(ev.ConcurrentIPs) - int(ev.Limit)
	if excess <= 0 {
		excess = len(ev.ConcurrentIPs)
	}
	ips := make([]string, 0, excess)
	for ip := range ev.ConcurrentIPs {
		if len(ips) >= excess {
			break
		}
		ips = append(ips, ip)
	}
	return ips
}

// fanOutBlocks calls block(ip, ttl) on every configured node for every
// selected IP concurrently, tolerating per-node losses.
func (c *Coordinator) fanOutBlocks(ctx context.Context, ips []string) int {
	nodes := c.nodeNames()
	if len(ips) == 0 || len(nodes) == 0 {
		return 0
	}

	var successMu sync.Mutex
	success := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, ip := range ips {
		for _, node := range nodes {
			ip, node := ip, node
			g.Go(func() error {
				if err := c.blocker.Block(gctx, node, ip, 0, c.cfg.DropDuration); err != nil {
					c.logger.Warn("block failed", "node", node, "ip", ip, "error", err)
					if c.metrics != nil {
						c.metrics.IncFanoutFailure()
					}
					return nil // losses tolerated, don't cancel siblings
				}
				successMu.Lock()
				success++
				successMu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	return success
}

func (c *Coordinator) setCooldown(subscriberID string, at time.Time) {
	c.cooldownMu.Lock()
	c.cooldown[subscriberID] = at
	c.cooldownMu.Unlock()
}

// PruneCooldowns evicts cooldown entries older than the cooldown window.
func (c *Coordinator) PruneCooldowns() {
	now := clock.Now()
	c.cooldownMu.Lock()
	defer c.cooldownMu.Unlock()
	for id, t := range c.cooldown {
		if now.Sub(t) >= c.cfg.DropCooldown {
			delete(c.cooldown, id)
		}
	}
}

// ReEnableDue calls the re-enable path for every BlockedSubscriber past
// its expiry.
func (c *Coordinator) ReEnableDue(ctx context.Context) error {
	blocked, err := c.state.AllBlocked()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "enforcement: list blocked subscribers")
	}
	now := clock.Now()
	for _, b := range blocked {
		if now.Before(b.ExpiresAt) {
			continue
		}
		if err := c.reEnable(ctx, b.SubscriberID); err != nil {
			c.logger.Warn("re-enable failed, will retry next sweep", "subscriber", b.SubscriberID, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) reEnable(ctx context.Context, subscriberID string) error {
	lock := c.lockFor(subscriberID)
	lock.Lock()
	defer lock.Unlock()

	uuid, err := c.resolver.ResolveUUID(ctx, subscriberID)
	if err != nil {
		return err
	}
	if err := c.resolver.Enable(ctx, uuid); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.IncReEnable()
	}
	return c.state.ClearBlocked(subscriberID)
}

// ForceEnforce is the admin facade's manual override: runs the
// enforcement procedure for subscriberID with an explicit IP set,
// bypassing the violation detector but not the cooldown or serialization.
func (c *Coordinator) ForceEnforce(ctx context.Context, subscriberID string, ips map[string]struct{}, limit uint32, reason string) error {
	return c.Enforce(ctx, violation.Event{
		SubscriberID:  subscriberID,
		IPs:           ips,
		ConcurrentIPs: ips,
		Limit:         limit,
		Reason:        reason,
	})
}

// ForceUnDisable manually re-enables a subscriber before its expiry
// , bypassing the scheduler's expiry check.
func (c *Coordinator) ForceUnDisable(ctx context.Context, subscriberID string) error {
	return c.reEnable(ctx, subscriberID)
}
