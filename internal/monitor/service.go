// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package monitor is the controller's per-node health poller, tracking
// node reachability independently of enforcement. It combines the
// control protocol's /health endpoint with a best-effort ICMP
// reachability check of the node's host.
package monitor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/devicewall/internal/config"
	"grimm.is/devicewall/internal/controlclient"
	"grimm.is/devicewall/internal/logging"
)

// Result holds the latest monitoring result for one node.
type Result struct {
	Node      string        `json:"node"`
	IsUp      bool          `json:"is_up"`
	PingOK    bool          `json:"ping_ok"`
	Latency   time.Duration `json:"latency"`
	ActiveIPs int           `json:"active_ips"`
	LastCheck time.Time     `json:"last_check"`
	Error     string        `json:"error,omitempty"`
}

// Service polls every configured node's health at a fixed cadence and
// keeps the most recent Result per node for the admin facade to
// surface.
type Service struct {
	logger     *logging.Logger
	nodes      []config.Node
	secret     string
	interval   time.Duration
	httpClient *http.Client

	nodesMu sync.RWMutex

	results    map[string]*Result
	resultsMu  sync.RWMutex
	stopCh     chan struct{}
	wg         sync.WaitGroup
	isTestMode bool
}

// NewService builds a Service for the given nodes, sharing secret as the
// control-protocol credential.
func NewService(logger *logging.Logger, nodes []config.Node, secret string, interval time.Duration) *Service {
	if logger == nil {
		logger = logging.Default().WithComponent("monitor")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Service{
		logger:     logger,
		nodes:      nodes,
		secret:     secret,
		interval:   interval,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		results:    make(map[string]*Result),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the polling loop.
func (s *Service) Start() {
	s.logger.Info("starting node health monitor", "nodes", len(s.nodes))
	s.wg.Add(1)
	go s.run()
}

// SetNodes replaces the polled node set; results for removed nodes are
// dropped at the next pass.
func (s *Service) SetNodes(nodes []config.Node) {
	s.nodesMu.Lock()
	s.nodes = append([]config.Node(nil), nodes...)
	s.nodesMu.Unlock()
}

func (s *Service) snapshotNodes() []config.Node {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	return append([]config.Node(nil), s.nodes...)
}

// Stop halts every polling loop and waits for them to exit.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("node health monitor stopped")
}

// Results returns a snapshot of the latest result per node.
func (s *Service) Results() []Result {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()

	out := make([]Result, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, *r)
	}
	return out
}

// SetTestMode enables single-shot checks, used by tests that don't want
// to wait out a full polling interval.
func (s *Service) SetTestMode(enabled bool) {
	s.isTestMode = enabled
}

func (s *Service) run() {
	defer s.wg.Done()

	s.checkAll()
	if s.isTestMode {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.checkAll()
		case <-s.stopCh:
			return
		}
	}
}

// checkAll probes every node concurrently, then evicts results for nodes
// no longer configured.
func (s *Service) checkAll() {
	nodes := s.snapshotNodes()

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n config.Node) {
			defer wg.Done()
			s.check(n)
		}(n)
	}
	wg.Wait()

	known := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		known[n.Name] = struct{}{}
	}
	s.resultsMu.Lock()
	for name := range s.results {
		if _, ok := known[name]; !ok {
			delete(s.results, name)
		}
	}
	s.resultsMu.Unlock()
}

func (s *Service) check(n config.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := controlclient.New(n.ControlAddress, s.secret, s.httpClient)
	start := time.Now()
	health, err := client.Health(ctx)

	res := &Result{Node: n.Name, LastCheck: time.Now()}
	if err != nil {
		res.Error = err.Error()
		s.logger.Warn("node health check failed", "node", n.Name, "error", err)
	} else {
		res.IsUp = true
		res.Latency = time.Since(start)
		res.ActiveIPs = health.InstalledRules
	}

	if host := hostOf(n.ControlAddress); host != "" {
		latency, perr := CheckPingFunc(host)
		res.PingOK = perr == nil
		if perr == nil && res.Latency == 0 {
			res.Latency = latency
		}
	}

	s.resultsMu.Lock()
	s.results[n.Name] = res
	s.resultsMu.Unlock()
}

func hostOf(controlAddress string) string {
	if host, _, err := net.SplitHostPort(controlAddress); err == nil {
		return host
	}
	return strings.TrimSpace(controlAddress)
}

// CheckPingFunc performs a single-packet ICMP echo; overridable in tests
// that run unprivileged or sandboxed.
var CheckPingFunc = func(host string) (time.Duration, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return 0, fmt.Errorf("create pinger: %w", err)
	}
	pinger.Count = 1
	pinger.Timeout = 1 * time.Second
	pinger.SetPrivileged(false)

	if err := pinger.Run(); err != nil {
		return 0, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("packet loss")
	}
	return stats.AvgRtt, nil
}
