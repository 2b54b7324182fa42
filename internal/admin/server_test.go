// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/devicewall/internal/auth"
	"grimm.is/devicewall/internal/config"
	"grimm.is/devicewall/internal/events"
	"grimm.is/devicewall/internal/model"
	"grimm.is/devicewall/internal/monitor"
)

type fakeIndex struct {
	entries map[string][]model.ConnectionEntry
	blocked []model.BlockedSubscriber
}

func (f *fakeIndex) ActiveSubscribers(window time.Duration, now time.Time) ([]string, error) {
	out := make([]string, 0, len(f.entries))
	for id := range f.entries {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeIndex) IPsOf(id string, window time.Duration, now time.Time) ([]model.ConnectionEntry, error) {
	return f.entries[id], nil
}

func (f *fakeIndex) Counts(window time.Duration, now time.Time) (int, int, error) {
	total := 0
	for _, e := range f.entries {
		total += len(e)
	}
	return total, len(f.entries), nil
}

func (f *fakeIndex) AllBlocked() ([]model.BlockedSubscriber, error) { return f.blocked, nil }

func (f *fakeIndex) IsBlocked(id string) (bool, time.Time, error) {
	for _, b := range f.blocked {
		if b.SubscriberID == id {
			return true, b.ExpiresAt, nil
		}
	}
	return false, time.Time{}, nil
}

type fakeEnforcer struct {
	enforced []string
	unbanned []string
}

func (f *fakeEnforcer) ForceEnforce(ctx context.Context, id string, ips map[string]struct{}, limit uint32, reason string) error {
	f.enforced = append(f.enforced, id)
	return nil
}

func (f *fakeEnforcer) ForceUnDisable(ctx context.Context, id string) error {
	f.unbanned = append(f.unbanned, id)
	return nil
}

type fakeScanner struct{ scans int }

func (f *fakeScanner) TriggerScan() { f.scans++ }
func (f *fakeScanner) ForceEvaluate(ctx context.Context, id string) (bool, error) {
	return false, nil
}

type fakeLimits map[string]uint32

func (f fakeLimits) GetLimit(ctx context.Context, id string) (uint32, bool) {
	l, ok := f[id]
	return l, ok
}

type fakeHealth struct{ results []monitor.Result }

func (f *fakeHealth) Results() []monitor.Result { return f.results }

const testCredential = "plume-Ostrich-K9#4-harbor"

func newTestServer(t *testing.T, idx *fakeIndex, enf *fakeEnforcer, limits fakeLimits, onNodes func([]config.Node)) *Server {
	t.Helper()
	hash, err := auth.HashCredential(testCredential)
	require.NoError(t, err)
	return New(idx, enf, &fakeScanner{}, limits, &fakeHealth{}, events.NewLog(10), nil, nil, nil, Config{
		CredentialHash: hash,
		SessionTTL:     time.Hour,
		IPWindow:       time.Hour,
		Nodes:          []config.Node{{Name: "node-a", ControlAddress: "10.0.0.1:8445"}},
		OnNodesChanged: onNodes,
	})
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Credential: testCredential})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	var reply loginReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reply))
	return reply.Token
}

func doJSON(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("X-Session-Token", token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestLoginRejectsBadCredential(t *testing.T) {
	s := newTestServer(t, &fakeIndex{}, &fakeEnforcer{}, fakeLimits{}, nil)
	rec := doJSON(s, http.MethodPost, "/api/auth/login", "", loginRequest{Credential: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEndpointsRequireSession(t *testing.T) {
	s := newTestServer(t, &fakeIndex{}, &fakeEnforcer{}, fakeLimits{}, nil)
	for _, path := range []string{"/api/status", "/api/violators", "/api/blocked", "/api/events", "/api/nodes"} {
		rec := doJSON(s, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestStatus(t *testing.T) {
	idx := &fakeIndex{
		entries: map[string][]model.ConnectionEntry{
			"1042": {{SubscriberID: "1042", IP: "203.0.113.4", NodeLastSeenOn: "node-a"}},
		},
		blocked: []model.BlockedSubscriber{{SubscriberID: "7", ExpiresAt: time.Now().Add(time.Hour)}},
	}
	s := newTestServer(t, idx, &fakeEnforcer{}, fakeLimits{}, nil)
	token := login(t, s)

	rec := doJSON(s, http.MethodGet, "/api/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusReply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, 1, status.Connections)
	require.Equal(t, 1, status.ActiveSubscribers)
	require.Equal(t, 1, status.BlockedCount)
}

func TestViolatorsOnlyOverLimit(t *testing.T) {
	idx := &fakeIndex{entries: map[string][]model.ConnectionEntry{
		"over": {
			{SubscriberID: "over", IP: "203.0.113.4", NodeLastSeenOn: "node-a"},
			{SubscriberID: "over", IP: "198.51.100.9", NodeLastSeenOn: "node-b"},
		},
		"under":    {{SubscriberID: "under", IP: "192.0.2.1", NodeLastSeenOn: "node-a"}},
		"nopolicy": {{SubscriberID: "nopolicy", IP: "192.0.2.2", NodeLastSeenOn: "node-a"}},
	}}
	s := newTestServer(t, idx, &fakeEnforcer{}, fakeLimits{"over": 1, "under": 1}, nil)
	token := login(t, s)

	rec := doJSON(s, http.MethodGet, "/api/violators", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var violators []Violator
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&violators))
	require.Len(t, violators, 1)
	require.Equal(t, "over", violators[0].SubscriberID)
	require.ElementsMatch(t, []string{"node-a", "node-b"}, violators[0].Nodes)
}

func TestManualEnforceAndUnban(t *testing.T) {
	idx := &fakeIndex{entries: map[string][]model.ConnectionEntry{
		"1042": {{SubscriberID: "1042", IP: "203.0.113.4", NodeLastSeenOn: "node-a"}},
	}}
	enf := &fakeEnforcer{}
	s := newTestServer(t, idx, enf, fakeLimits{"1042": 1}, nil)
	token := login(t, s)

	rec := doJSON(s, http.MethodPost, "/api/subscribers/1042/enforce", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"1042"}, enf.enforced)

	rec = doJSON(s, http.MethodPost, "/api/subscribers/1042/unban", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"1042"}, enf.unbanned)

	// Both actions land in the event ring.
	rec = doJSON(s, http.MethodGet, "/api/events", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var evs []events.Event
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&evs))
	require.Len(t, evs, 2)
}

func TestNodeCRUD(t *testing.T) {
	var gotNodes []config.Node
	s := newTestServer(t, &fakeIndex{}, &fakeEnforcer{}, fakeLimits{}, func(nodes []config.Node) {
		gotNodes = nodes
	})
	token := login(t, s)

	rec := doJSON(s, http.MethodPost, "/api/nodes", token, config.Node{Name: "node-b", ControlAddress: "10.0.0.2:8445"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, gotNodes, 2)

	rec = doJSON(s, http.MethodDelete, "/api/nodes/node-a", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, gotNodes, 1)
	require.Equal(t, "node-b", gotNodes[0].Name)

	rec = doJSON(s, http.MethodDelete, "/api/nodes/ghost", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogoutRevokesSession(t *testing.T) {
	s := newTestServer(t, &fakeIndex{}, &fakeEnforcer{}, fakeLimits{}, nil)
	token := login(t, s)

	rec := doJSON(s, http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(s, http.MethodGet, "/api/status", token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
