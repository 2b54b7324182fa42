// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package firewall

import (
	"context"
	"net"
	"testing"
	"time"

	"grimm.is/devicewall/internal/testutil"
)

// These tests program the host's real nftables ruleset and therefore
// need CAP_NET_ADMIN; they are opt-in via DEVICEWALL_ROOT_TEST.

func TestNFTInstallRemove(t *testing.T) {
	testutil.RequireRoot(t)

	e, err := NewNFTExecutor(nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	defer e.Close()
	defer e.Clear(context.Background())

	ip := net.ParseIP("203.0.113.77")
	if err := e.Install(context.Background(), ip, 0, time.Minute); err != nil {
		t.Fatalf("install: %v", err)
	}
	// Re-install must extend, not fail.
	if err := e.Install(context.Background(), ip, 0, 2*time.Minute); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	if err := e.Remove(context.Background(), ip, 0); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// Removing again is a no-op, not an error.
	if err := e.Remove(context.Background(), ip, 0); err != nil {
		t.Fatalf("double remove: %v", err)
	}
}

func TestNFTInstallRemovePortScoped(t *testing.T) {
	testutil.RequireRoot(t)

	e, err := NewNFTExecutor(nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	defer e.Close()
	defer e.Clear(context.Background())

	ip := net.ParseIP("203.0.113.88")
	// A port-scoped block and an unscoped block for the same address are
	// distinct kernel entries; removing one must not disturb the other.
	if err := e.Install(context.Background(), ip, 51514, time.Minute); err != nil {
		t.Fatalf("install port-scoped: %v", err)
	}
	if err := e.Install(context.Background(), ip, 0, time.Minute); err != nil {
		t.Fatalf("install unscoped: %v", err)
	}
	if err := e.Remove(context.Background(), ip, 51514); err != nil {
		t.Fatalf("remove port-scoped: %v", err)
	}
	if err := e.Remove(context.Background(), ip, 0); err != nil {
		t.Fatalf("remove unscoped: %v", err)
	}
}

func TestNFTClear(t *testing.T) {
	testutil.RequireRoot(t)

	e, err := NewNFTExecutor(nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	defer e.Close()

	for _, raw := range []string{"203.0.113.10", "203.0.113.11"} {
		if err := e.Install(context.Background(), net.ParseIP(raw), 0, time.Minute); err != nil {
			t.Fatalf("install %s: %v", raw, err)
		}
	}
	if err := e.Install(context.Background(), net.ParseIP("203.0.113.12"), 443, time.Minute); err != nil {
		t.Fatalf("install port-scoped: %v", err)
	}
	if err := e.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
}
