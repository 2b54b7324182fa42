// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package agentserver is the agent side of the control protocol
// : /block, /unblock, /clear (and their alias paths /block_ip,
// /unblock_ip, /clear_iptables, kept for VPN operators who already
// script against the older names), plus an unauthenticated /health.
package agentserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/devicewall/internal/logging"
	"grimm.is/devicewall/internal/protocol"
)

// FirewallGuard is the enforcement backend the control endpoint drives;
// firewall.Guard satisfies it.
type FirewallGuard interface {
	Block(ctx context.Context, ip net.IP, port int, ttl time.Duration) error
	Unblock(ctx context.Context, ip net.IP, port int) error
	Clear(ctx context.Context) error
	InstalledRules() int
}

// Metrics are the Prometheus series this endpoint maintains.
type Metrics struct {
	RequestsTotal  *prometheus.CounterVec
	RequestsDenied prometheus.Counter
	BlockErrors    prometheus.Counter
}

// NewMetrics registers this endpoint's series against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicewall_agent_requests_total",
			Help: "Control-protocol requests handled, by endpoint.",
		}, []string{"endpoint"}),
		RequestsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_agent_requests_denied_total",
			Help: "Control-protocol requests rejected for a bad shared secret.",
		}),
		BlockErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_agent_firewall_errors_total",
			Help: "Firewall backend errors while installing or removing a rule.",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestsDenied, m.BlockErrors)
	return m
}

// Server is the agent's control HTTP endpoint.
type Server struct {
	router  *mux.Router
	guard   FirewallGuard
	secret  string
	agentID string
	node    string
	logger  *logging.Logger
	metrics *Metrics
}

// New builds the control server. agentID/node are echoed back verbatim
// in /health so the controller's monitor can correlate replies
// against its own configured node list.
func New(guard FirewallGuard, secret, agentID, node string, logger *logging.Logger, metrics *Metrics) *Server {
	if logger == nil {
		logger = logging.Default().WithComponent("agentserver")
	}
	s := &Server{guard: guard, secret: secret, agentID: agentID, node: node, logger: logger, metrics: metrics}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/block", s.handleBlock).Methods(http.MethodPost)
	s.router.HandleFunc("/block_ip", s.handleBlock).Methods(http.MethodPost)
	s.router.HandleFunc("/unblock", s.handleUnblock).Methods(http.MethodPost)
	s.router.HandleFunc("/unblock_ip", s.handleUnblock).Methods(http.MethodPost)
	s.router.HandleFunc("/clear", s.handleClear).Methods(http.MethodPost)
	s.router.HandleFunc("/clear_iptables", s.handleClear).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	s.count("block")
	var req protocol.BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !s.authorized(req.Secret) {
		s.reject(w)
		return
	}
	ip := net.ParseIP(req.IP)
	if ip == nil {
		http.Error(w, "invalid ip", http.StatusBadRequest)
		return
	}
	ttl := time.Duration(req.Duration) * time.Second
	if err := s.guard.Block(r.Context(), ip, req.Port, ttl); err != nil {
		s.countError()
		s.logger.Warn("block failed", "ip", req.IP, "error", err)
		http.Error(w, "block failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, protocol.OKReply{OK: true})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	s.count("unblock")
	var req protocol.UnblockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !s.authorized(req.Secret) {
		s.reject(w)
		return
	}
	ip := net.ParseIP(req.IP)
	if ip == nil {
		http.Error(w, "invalid ip", http.StatusBadRequest)
		return
	}
	if err := s.guard.Unblock(r.Context(), ip, req.Port); err != nil {
		s.countError()
		s.logger.Warn("unblock failed", "ip", req.IP, "error", err)
		http.Error(w, "unblock failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, protocol.OKReply{OK: true})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.count("clear")
	var req protocol.ClearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !s.authorized(req.Secret) {
		s.reject(w)
		return
	}
	if err := s.guard.Clear(r.Context()); err != nil {
		s.countError()
		s.logger.Warn("clear failed", "error", err)
		http.Error(w, "clear failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, protocol.OKReply{OK: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.count("health")
	s.writeJSON(w, protocol.AgentHealthReply{
		AgentID:        s.agentID,
		Node:           s.node,
		InstalledRules: s.guard.InstalledRules(),
	})
}

func (s *Server) authorized(secret string) bool {
	return secret == s.secret
}

func (s *Server) reject(w http.ResponseWriter) {
	if s.metrics != nil {
		s.metrics.RequestsDenied.Inc()
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) count(endpoint string) {
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(endpoint).Inc()
	}
}

func (s *Server) countError() {
	if s.metrics != nil {
		s.metrics.BlockErrors.Inc()
	}
}
