// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agentserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"grimm.is/devicewall/internal/firewall"
	"grimm.is/devicewall/internal/protocol"
)

func newTestServer(t *testing.T) (*Server, *firewall.FakeExecutor, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	fake := firewall.NewFakeExecutor()
	guard := firewall.NewGuard(ctx, fake, time.Hour, nil)
	s := New(guard, "s3cr3t", "agent-1", "node-a", nil, nil)
	return s, fake, cancel
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestAgentServerBlockRequiresSecret(t *testing.T) {
	s, _, cancel := newTestServer(t)
	defer cancel()

	rec := doJSON(t, s, http.MethodPost, "/block", protocol.BlockRequest{IP: "203.0.113.4", Duration: 60, Secret: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAgentServerBlockAndUnblock(t *testing.T) {
	s, fake, cancel := newTestServer(t)
	defer cancel()

	rec := doJSON(t, s, http.MethodPost, "/block", protocol.BlockRequest{IP: "203.0.113.4", Duration: 60, Secret: "s3cr3t"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got, _, _ := fake.Counts(); got != 1 {
		t.Fatalf("expected 1 install, got %d", got)
	}

	rec = doJSON(t, s, http.MethodPost, "/unblock", protocol.UnblockRequest{IP: "203.0.113.4", Secret: "s3cr3t"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	_, removes, _ := fake.Counts()
	if removes != 1 {
		t.Fatalf("expected 1 remove, got %d", removes)
	}
}

func TestAgentServerClearAliasPaths(t *testing.T) {
	s, fake, cancel := newTestServer(t)
	defer cancel()

	doJSON(t, s, http.MethodPost, "/block_ip", protocol.BlockRequest{IP: "203.0.113.4", Duration: 60, Secret: "s3cr3t"})
	rec := doJSON(t, s, http.MethodPost, "/clear_iptables", protocol.ClearRequest{Secret: "s3cr3t"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	_, _, clears := fake.Counts()
	if clears != 1 {
		t.Fatalf("expected 1 clear, got %d", clears)
	}
}

func TestAgentServerHealth(t *testing.T) {
	s, _, cancel := newTestServer(t)
	defer cancel()

	doJSON(t, s, http.MethodPost, "/block", protocol.BlockRequest{IP: "203.0.113.4", Duration: 60, Secret: "s3cr3t"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var reply protocol.AgentHealthReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.AgentID != "agent-1" || reply.Node != "node-a" || reply.InstalledRules != 1 {
		t.Errorf("unexpected health reply: %+v", reply)
	}
}

func TestAgentServerRejectsInvalidIP(t *testing.T) {
	s, _, cancel := newTestServer(t)
	defer cancel()

	rec := doJSON(t, s, http.MethodPost, "/block", protocol.BlockRequest{IP: "not-an-ip", Duration: 60, Secret: "s3cr3t"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
