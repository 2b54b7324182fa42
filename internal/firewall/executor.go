// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall is the agent's local enforcement backend:
// installing and removing per-IP drop rules in response to the
// controller's control-protocol calls. The real backend programs the
// kernel's nftables ruleset directly through github.com/google/nftables;
// a fake in-memory Executor backs tests that don't have CAP_NET_ADMIN.
package firewall

import (
	"context"
	"net"
	"time"
)

// Rule is one installed block: an IP, optionally narrowed to a single
// source port (0 means "all ports"), expiring at Expires.
type Rule struct {
	IP      net.IP
	Port    int
	Expires time.Time
}

// Executor is the low-level primitive a Guard drives: install, remove,
// and enumerate rules. Implementations need not track expiry themselves
// — the Guard owns the TTL sweep — but the nftables backend also
// sets a native kernel-side set timeout as a second line of defense.
type Executor interface {
	// Install adds (or extends, if already present) a drop rule for ip,
	// optionally scoped to port, expiring no sooner than ttl from now.
	Install(ctx context.Context, ip net.IP, port int, ttl time.Duration) error

	// Remove deletes a previously installed rule for ip/port. Removing a
	// rule that doesn't exist is not an error.
	Remove(ctx context.Context, ip net.IP, port int) error

	// Clear removes every rule this executor has installed.
	Clear(ctx context.Context) error

	// Close releases any held kernel resources (netlink sockets, etc).
	Close() error
}
