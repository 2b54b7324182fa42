// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package model holds the core domain types shared by the controller's
// connection index, violation detector, and enforcement coordinator.
package model

import "time"

// ConnectionEvent is one parsed, in-flight connection report crossing from
// the ingest endpoint into the connection index. SubscriberID is already
// stripped of its display prefix and IP is a canonical dotted-quad.
type ConnectionEvent struct {
	SubscriberID string
	IP           string
	SourcePort   int // 0 means none reported
	Node         string
	ObservedAt   time.Time
}

// ConnectionEntry is the persisted-within-window record keyed by
// (SubscriberID, IP): the last node and timestamp a given subscriber/IP
// pair was seen on.
type ConnectionEntry struct {
	SubscriberID   string
	IP             string
	NodeLastSeenOn string
	LastSeen       time.Time
}

// Subscriber is a derived, on-demand view over a subscriber's current
// ConnectionEntry set.
type Subscriber struct {
	ID             string
	IPs            map[string]struct{}
	Nodes          map[string]struct{}
	MostRecentSeen time.Time
}

// DeviceLimit is the cached per-subscriber device-count policy. Limit == 0
// means "no policy": the subscriber is exempt from enforcement.
type DeviceLimit struct {
	SubscriberID string
	Limit        uint32
	FetchedAt    time.Time
}

// BlockedSubscriber records that a subscriber's upstream subscription is
// known-disabled until ExpiresAt, durable across controller restarts.
type BlockedSubscriber struct {
	SubscriberID string
	ExpiresAt    time.Time
}

// BlockedAddress is an agent-local record that a firewall rule exists for
// Key (an IP, or "ip:port") until ExpiresAt.
type BlockedAddress struct {
	Key       string
	ExpiresAt time.Time
}

// CooldownEntry suppresses repeat enforcement for a subscriber until the
// cooldown window elapses.
type CooldownEntry struct {
	SubscriberID      string
	LastEnforcementAt time.Time
}

// NodeDescriptor is one statically configured VPN node agent.
type NodeDescriptor struct {
	Name           string
	ControlAddress string
}
