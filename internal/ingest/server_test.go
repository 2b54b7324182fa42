// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"grimm.is/devicewall/internal/model"
	"grimm.is/devicewall/internal/protocol"
)

type fakeIndexer struct {
	mu      sync.Mutex
	entries []model.ConnectionEvent
}

func (f *fakeIndexer) Upsert(e model.ConnectionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

type fakeEvaluator struct {
	mu       sync.Mutex
	notified []string
}

func (f *fakeEvaluator) EvaluateSubscriber(subscriberID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, subscriberID)
}

type fakeHealth struct{}

func (fakeHealth) ConnectionCount() int { return 3 }
func (fakeHealth) UserCount() int       { return 2 }

func newTestServer() (*Server, *fakeIndexer, *fakeEvaluator) {
	idx := &fakeIndexer{}
	eval := &fakeEvaluator{}
	s := New(idx, eval, fakeHealth{}, "shared-secret", nil, nil, 1000)
	return s, idx, eval
}

func TestHandleLogAccepted(t *testing.T) {
	s, idx, eval := newTestServer()

	body, _ := json.Marshal(protocol.LogRequest{Subscriber: "user_1042", IP: "203.0.113.4", Node: "node-a", Secret: "shared-secret"})
	req := httptest.NewRequest(http.MethodPost, "/log", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(idx.entries) != 1 || idx.entries[0].SubscriberID != "1042" {
		t.Errorf("unexpected entries: %+v", idx.entries)
	}
	if len(eval.notified) != 1 {
		t.Errorf("expected evaluator to be notified once, got %d", len(eval.notified))
	}
}

func TestHandleLogBadSecretRejected(t *testing.T) {
	s, idx, _ := newTestServer()
	body, _ := json.Marshal(protocol.LogRequest{Subscriber: "1042", IP: "203.0.113.4", Node: "node-a", Secret: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/log", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if len(idx.entries) != 0 {
		t.Error("expected no index writes for a bad secret")
	}
}

func TestHandleLogInvalidIPRejectedButAcknowledged(t *testing.T) {
	s, idx, _ := newTestServer()
	body, _ := json.Marshal(protocol.LogRequest{Subscriber: "1042", IP: "not-an-ip", Node: "node-a", Secret: "shared-secret"})
	req := httptest.NewRequest(http.MethodPost, "/log", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 (invalid entries are dropped, not errored), got %d", w.Code)
	}
	if len(idx.entries) != 0 {
		t.Error("expected invalid ip not to reach the index")
	}
}

func TestHandleLogBatchEntries(t *testing.T) {
	s, _, eval := newTestServer()
	body, _ := json.Marshal(protocol.LogBatchRequest{
		Node:   "node-a",
		Secret: "shared-secret",
		Entries: []protocol.LogEntry{
			{Subscriber: "user_1", IP: "10.0.0.1"},
			{Subscriber: "user_1", IP: "10.0.0.2"},
			{Subscriber: "user_2", IP: "10.0.0.3"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/log_batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var reply protocol.OKReply
	json.Unmarshal(w.Body.Bytes(), &reply)
	if reply.Processed != 3 {
		t.Errorf("expected 3 processed, got %d", reply.Processed)
	}
	if len(eval.notified) != 2 {
		t.Errorf("expected one evaluation per distinct subscriber, got %d", len(eval.notified))
	}
}

func TestHandleLogBatchParsesRawLines(t *testing.T) {
	s, idx, _ := newTestServer()
	body, _ := json.Marshal(protocol.LogBatchRequest{
		Node:   "node-a",
		Secret: "shared-secret",
		Lines:  []string{`from tcp:203.0.113.4:51514 accepted email: user_1042`, `garbage line`},
	})
	req := httptest.NewRequest(http.MethodPost, "/log_batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(idx.entries) != 1 {
		t.Errorf("expected 1 parsed entry from raw lines, got %d", len(idx.entries))
	}
}

func TestHandleHealth(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	var reply protocol.IngestHealthReply
	json.Unmarshal(w.Body.Bytes(), &reply)
	if reply.Status != "ok" || reply.Connections != 3 || reply.Users != 2 {
		t.Errorf("unexpected health reply: %+v", reply)
	}
}
