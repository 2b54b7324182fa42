// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package violation

import (
	"testing"
	"time"

	"grimm.is/devicewall/internal/model"
)

type fakeIndex struct {
	entries []model.ConnectionEntry
}

func (f *fakeIndex) IPsOf(subscriberID string, window time.Duration, now time.Time) ([]model.ConnectionEntry, error) {
	return f.entries, nil
}

func TestEvaluateNoPolicySkipsCheck(t *testing.T) {
	idx := &fakeIndex{}
	_, ok, err := Evaluate(idx, PolicySmart, "1042", 0, time.Hour, 30*time.Second, time.Now())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Error("expected no violation when limit is 0")
	}
}

func TestEvaluateUnderLimitNoViolation(t *testing.T) {
	now := time.Now()
	idx := &fakeIndex{entries: []model.ConnectionEntry{
		{IP: "10.0.0.1", NodeLastSeenOn: "n1", LastSeen: now},
		{IP: "10.0.0.2", NodeLastSeenOn: "n1", LastSeen: now},
	}}
	_, ok, err := Evaluate(idx, PolicyStrict, "1042", 2, time.Hour, 30*time.Second, now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Error("expected no violation at exactly the limit")
	}
}

func TestEvaluateStrictOverLimitViolates(t *testing.T) {
	now := time.Now()
	idx := &fakeIndex{entries: []model.ConnectionEntry{
		{IP: "10.0.0.1", NodeLastSeenOn: "n1", LastSeen: now},
		{IP: "10.0.0.2", NodeLastSeenOn: "n1", LastSeen: now},
		{IP: "10.0.0.3", NodeLastSeenOn: "n1", LastSeen: now},
	}}
	ev, ok, err := Evaluate(idx, PolicyStrict, "1042", 2, time.Hour, 30*time.Second, now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatal("expected a violation")
	}
	if len(ev.IPs) != 3 {
		t.Errorf("expected 3 ips recorded, got %d", len(ev.IPs))
	}
}

func TestEvaluateSmartTwoNodesSimultaneousViolates(t *testing.T) {
	now := time.Now()
	idx := &fakeIndex{entries: []model.ConnectionEntry{
		{IP: "10.0.0.1", NodeLastSeenOn: "node-a", LastSeen: now},
		{IP: "10.0.0.2", NodeLastSeenOn: "node-b", LastSeen: now},
		{IP: "10.0.0.3", NodeLastSeenOn: "node-a", LastSeen: now.Add(-time.Hour)},
	}}
	ev, ok, err := Evaluate(idx, PolicySmart, "1042", 1, time.Hour, 30*time.Second, now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatal("expected a violation from simultaneous distinct nodes")
	}
	if ev.Reason == "" {
		t.Error("expected a reason to be recorded")
	}
}

func TestEvaluateSmartHandoverNoiseTolerated(t *testing.T) {
	now := time.Now()
	// Same node, same /24 subnet, limit 1: looks like hand-over roaming
	// rather than device sharing (concurrent_ips == 2 <= limit+1).
	idx := &fakeIndex{entries: []model.ConnectionEntry{
		{IP: "10.0.0.1", NodeLastSeenOn: "node-a", LastSeen: now},
		{IP: "10.0.0.2", NodeLastSeenOn: "node-a", LastSeen: now},
	}}
	_, ok, err := Evaluate(idx, PolicySmart, "1042", 1, time.Hour, 30*time.Second, now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Error("expected hand-over noise to be tolerated under smart policy")
	}
}

func TestEvaluateSmartDispersedSubnetsViolates(t *testing.T) {
	now := time.Now()
	idx := &fakeIndex{entries: []model.ConnectionEntry{
		{IP: "10.0.0.1", NodeLastSeenOn: "node-a", LastSeen: now},
		{IP: "10.0.1.1", NodeLastSeenOn: "node-a", LastSeen: now},
		{IP: "10.0.2.1", NodeLastSeenOn: "node-a", LastSeen: now},
	}}
	ev, ok, err := Evaluate(idx, PolicySmart, "1042", 1, time.Hour, 30*time.Second, now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatal("expected a violation from dispersed subnets")
	}
	if ev.Limit != 1 {
		t.Errorf("expected limit echoed back, got %d", ev.Limit)
	}
}

func TestEvaluateStaleEntriesExcludedFromConcurrency(t *testing.T) {
	now := time.Now()
	idx := &fakeIndex{entries: []model.ConnectionEntry{
		{IP: "10.0.0.1", NodeLastSeenOn: "node-a", LastSeen: now},
		{IP: "10.0.1.1", NodeLastSeenOn: "node-b", LastSeen: now.Add(-time.Hour)},
	}}
	_, ok, err := Evaluate(idx, PolicySmart, "1042", 1, time.Hour, 30*time.Second, now)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Error("expected stale entry outside concurrent window not to trigger multi-node violation")
	}
}
