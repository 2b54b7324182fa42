// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/devicewall/internal/config"
	"grimm.is/devicewall/internal/protocol"
)

func stubPing(t *testing.T) {
	t.Helper()
	orig := CheckPingFunc
	CheckPingFunc = func(host string) (time.Duration, error) {
		return time.Millisecond, nil
	}
	t.Cleanup(func() { CheckPingFunc = orig })
}

func TestCheckRecordsHealthyNode(t *testing.T) {
	stubPing(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.AgentHealthReply{Node: "node-a", InstalledRules: 3})
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	s := NewService(nil, []config.Node{{Name: "node-a", ControlAddress: addr}}, "s3cret", time.Minute)
	s.SetTestMode(true)
	s.Start()
	s.Stop()

	results := s.Results()
	require.Len(t, results, 1)
	require.True(t, results[0].IsUp)
	require.Equal(t, 3, results[0].ActiveIPs)
}

func TestCheckRecordsUnreachableNode(t *testing.T) {
	stubPing(t)

	s := NewService(nil, []config.Node{{Name: "gone", ControlAddress: "127.0.0.1:1"}}, "s3cret", time.Minute)
	s.SetTestMode(true)
	s.Start()
	s.Stop()

	results := s.Results()
	require.Len(t, results, 1)
	require.False(t, results[0].IsUp)
	require.NotEmpty(t, results[0].Error)
}

func TestSetNodesEvictsRemoved(t *testing.T) {
	stubPing(t)

	s := NewService(nil, []config.Node{{Name: "old", ControlAddress: "127.0.0.1:1"}}, "s3cret", time.Minute)
	s.checkAll()
	require.Len(t, s.Results(), 1)

	s.SetNodes([]config.Node{{Name: "new", ControlAddress: "127.0.0.1:2"}})
	s.checkAll()

	results := s.Results()
	require.Len(t, results, 1)
	require.Equal(t, "new", results[0].Node)
}
