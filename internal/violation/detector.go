// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package violation implements the device-sharing violation detector
// : the strict and smart decision procedures over a
// subscriber's observed IPs and nodes.
package violation

import (
	"net"
	"strings"
	"time"

	"grimm.is/devicewall/internal/model"
)

// Policy selects the sharing-violation decision procedure.
type Policy string

const (
	// PolicyStrict flags a violation whenever the distinct IP count
	// exceeds the limit.
	PolicyStrict Policy = "strict"
	// PolicySmart tolerates cell hand-over noise, requiring multi-node
	// simultaneity, spatial dispersion across subnets, or a concurrent
	// IP count above the limit plus one.
	PolicySmart Policy = "smart"
)

// Event is emitted to the enforcement coordinator when a subscriber is
// found in violation.
type Event struct {
	SubscriberID  string
	IPs           map[string]struct{}
	Limit         uint32
	Reason        string
	ConcurrentIPs map[string]struct{}
}

// Index is the subset of store.Store the detector reads.
type Index interface {
	IPsOf(subscriberID string, window time.Duration, now time.Time) ([]model.ConnectionEntry, error)
}

// Evaluate applies the decision procedure for one subscriber with the
// given policy, window, and concurrent-window. It returns ok=false when
// no violation is detected.
func Evaluate(idx Index, policy Policy, subscriberID string, limit uint32, ipWindow, concurrentWindow time.Duration, now time.Time) (Event, bool, error) {
	if limit == 0 {
		return Event{}, false, nil
	}

	entries, err := idx.IPsOf(subscriberID, ipWindow, now)
	if err != nil {
		return Event{}, false, err
	}
	if uint32(len(entries)) <= limit {
		return Event{}, false, nil
	}

	ips := make(map[string]struct{}, len(entries))
	nodes := make(map[string]struct{})
	concurrentIPs := make(map[string]struct{})
	concurrentNodes := make(map[string]struct{})
	concurrentCutoff := now.Add(-concurrentWindow)

	for _, e := range entries {
		ips[e.IP] = struct{}{}
		nodes[e.NodeLastSeenOn] = struct{}{}
		if e.LastSeen.After(concurrentCutoff) {
			concurrentIPs[e.IP] = struct{}{}
			concurrentNodes[e.NodeLastSeenOn] = struct{}{}
		}
	}

	violated, reason := decide(policy, ips, concurrentIPs, concurrentNodes, limit)
	if !violated {
		return Event{}, false, nil
	}

	return Event{
		SubscriberID:  subscriberID,
		IPs:           ips,
		Limit:         limit,
		Reason:        reason,
		ConcurrentIPs: concurrentIPs,
	}, true, nil
}

func decide(policy Policy, ips, concurrentIPs, concurrentNodes map[string]struct{}, limit uint32) (bool, string) {
	if policy == PolicyStrict {
		if uint32(len(ips)) > limit {
			return true, "strict: ip count exceeds limit"
		}
		return false, ""
	}

	if len(concurrentNodes) >= 2 {
		return true, "smart: simultaneous presence on distinct nodes"
	}
	if uint32(len(concurrentIPs)) > limit && distinctSubnets(concurrentIPs) > int(limit) {
		return true, "smart: concurrent ips span more subnets than the limit allows"
	}
	if uint32(len(concurrentIPs)) > limit+1 {
		return true, "smart: concurrent ip count exceeds limit plus hand-over slack"
	}
	return false, ""
}

// distinctSubnets counts the distinct /24 subnets among the given IPv4
// addresses.
func distinctSubnets(ips map[string]struct{}) int {
	subnets := make(map[string]struct{}, len(ips))
	for ip := range ips {
		subnets[subnet24(ip)] = struct{}{}
	}
	return len(subnets)
}

func subnet24(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ip
	}
	parts := strings.Split(v4.String(), ".")
	if len(parts) != 4 {
		return ip
	}
	return strings.Join(parts[:3], ".")
}
