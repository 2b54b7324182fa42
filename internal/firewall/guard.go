// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"net"
	"sync"
	"time"

	"grimm.is/devicewall/internal/logging"
)

// command is one serialized request to the Guard's single writer
// goroutine: all rule mutations on a node go through one goroutine,
// so concurrent control-protocol requests never race against
// each other or against the TTL sweep).
type command struct {
	kind   cmdKind
	ip     net.IP
	port   int
	ttl    time.Duration
	result chan error
}

type cmdKind int

const (
	cmdInstall cmdKind = iota
	cmdRemove
	cmdClear
)

// Guard wraps an Executor with a serialized command queue, an in-process
// registry of what's installed (for the /health reply and the TTL
// sweep), and a periodic sweep that removes anything past its expiry —
// a backstop for backends (like FakeExecutor, or a kernel without
// working set timeouts) that don't expire rules on their own.
type Guard struct {
	exec   Executor
	logger *logging.Logger

	cmds chan command

	mu       sync.Mutex
	registry map[string]Rule
}

// NewGuard starts the Guard's writer and sweep goroutines and returns
// without waiting for them. Callers must call Close when done.
func NewGuard(ctx context.Context, exec Executor, sweepInterval time.Duration, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.Default().WithComponent("firewall")
	}
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}
	g := &Guard{
		exec:     exec,
		logger:   logger,
		cmds:     make(chan command),
		registry: make(map[string]Rule),
	}
	go g.writer(ctx)
	go g.sweeper(ctx, sweepInterval)
	return g
}

// Block installs (or extends) a drop rule for ip, optionally scoped to
// port, for duration ttl.
func (g *Guard) Block(ctx context.Context, ip net.IP, port int, ttl time.Duration) error {
	return g.do(ctx, command{kind: cmdInstall, ip: ip, port: port, ttl: ttl})
}

// Unblock removes a drop rule for ip/port.
func (g *Guard) Unblock(ctx context.Context, ip net.IP, port int) error {
	return g.do(ctx, command{kind: cmdRemove, ip: ip, port: port})
}

// Clear removes every rule this Guard has installed.
func (g *Guard) Clear(ctx context.Context) error {
	return g.do(ctx, command{kind: cmdClear})
}

func (g *Guard) do(ctx context.Context, cmd command) error {
	cmd.result = make(chan error, 1)
	select {
	case g.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Guard) writer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-g.cmds:
			cmd.result <- g.apply(ctx, cmd)
		}
	}
}

func (g *Guard) apply(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdInstall:
		k := key(cmd.ip, cmd.port)
		expires := time.Now().Add(cmd.ttl)
		// Re-blocking an already-blocked key only ever extends, both in
		// the registry and in the ttl handed to the executor.
		g.mu.Lock()
		if existing, ok := g.registry[k]; ok && existing.Expires.After(expires) {
			expires = existing.Expires
		}
		g.mu.Unlock()
		if err := g.exec.Install(ctx, cmd.ip, cmd.port, time.Until(expires)); err != nil {
			return err
		}
		g.mu.Lock()
		g.registry[k] = Rule{IP: cmd.ip, Port: cmd.port, Expires: expires}
		g.mu.Unlock()
		return nil
	case cmdRemove:
		if err := g.exec.Remove(ctx, cmd.ip, cmd.port); err != nil {
			return err
		}
		g.mu.Lock()
		delete(g.registry, key(cmd.ip, cmd.port))
		g.mu.Unlock()
		return nil
	case cmdClear:
		if err := g.exec.Clear(ctx); err != nil {
			return err
		}
		g.mu.Lock()
		g.registry = make(map[string]Rule)
		g.mu.Unlock()
		return nil
	default:
		return nil
	}
}

func (g *Guard) sweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce(ctx)
		}
	}
}

func (g *Guard) sweepOnce(ctx context.Context) {
	now := time.Now()
	g.mu.Lock()
	var expired []Rule
	for k, r := range g.registry {
		if now.After(r.Expires) {
			expired = append(expired, r)
			delete(g.registry, k)
		}
	}
	g.mu.Unlock()

	for _, r := range expired {
		if err := g.exec.Remove(ctx, r.IP, r.Port); err != nil {
			g.logger.Warn("ttl sweep: failed to remove expired rule", "ip", r.IP.String(), "error", err)
			continue
		}
		g.logger.Debug("ttl sweep: removed expired rule", "ip", r.IP.String())
	}
}

// Rules returns a snapshot of the active registry.
func (g *Guard) Rules() []Rule {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Rule, 0, len(g.registry))
	for _, r := range g.registry {
		out = append(out, r)
	}
	return out
}

// InstalledRules reports how many rules the registry currently believes
// are active, for the control protocol's /health reply.
func (g *Guard) InstalledRules() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.registry)
}

// Close releases the underlying executor's resources. The writer and
// sweeper goroutines are expected to already have stopped via ctx
// cancellation by the time Close is called.
func (g *Guard) Close() error {
	return g.exec.Close()
}
