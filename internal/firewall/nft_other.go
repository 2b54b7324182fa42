// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package firewall

import (
	"context"
	"fmt"
	"net"
	"time"

	"grimm.is/devicewall/internal/logging"
)

// NFTExecutor is unavailable outside Linux; nftables is a Linux kernel
// facility. cmd/devicewall-agent falls back to FakeExecutor when built
// for another platform.
type NFTExecutor struct{}

func NewNFTExecutor(logger *logging.Logger) (*NFTExecutor, error) {
	return nil, fmt.Errorf("firewall: nftables enforcement is only available on linux")
}

func (e *NFTExecutor) Install(ctx context.Context, ip net.IP, port int, ttl time.Duration) error {
	return fmt.Errorf("firewall: nftables enforcement is only available on linux")
}

func (e *NFTExecutor) Remove(ctx context.Context, ip net.IP, port int) error {
	return fmt.Errorf("firewall: nftables enforcement is only available on linux")
}

func (e *NFTExecutor) Clear(ctx context.Context) error {
	return fmt.Errorf("firewall: nftables enforcement is only available on linux")
}

func (e *NFTExecutor) Close() error { return nil }
